package datasource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/retry"
)

// Open creates the Source registered for cfg.Type and verifies it can reach the
// database. The caller owns the returned Source and must Close it.
func Open(ctx context.Context, cfg *config.SourceConfig, logger *zap.Logger) (Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	factory := GetFactory(cfg.Type)
	if factory == nil {
		return nil, fmt.Errorf("unsupported datasource type: %s (registered: %s)", cfg.Type, registeredTypes())
	}

	src, err := factory(ctx, cfg, logger.Named(cfg.Type))
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", cfg.Type, err)
	}

	// a database that is still starting refuses connections for a while
	retryCfg := retry.DefaultConfig()
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("Source connection test failed, retrying",
			zap.String("type", cfg.Type),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", logging.SanitizeError(err)))
	}
	if err := retry.DoIfRetryable(ctx, retryCfg, func() error { return src.TestConnection(ctx) }); err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("test %s connection: %w", cfg.Type, err)
	}

	logger.Info("Source connected",
		zap.String("type", cfg.Type),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return src, nil
}

func registeredTypes() string {
	adapters := RegisteredAdapters()
	if len(adapters) == 0 {
		return "none"
	}
	types := make([]string, len(adapters))
	for i, a := range adapters {
		types[i] = a.Type
	}
	return strings.Join(types, ", ")
}
