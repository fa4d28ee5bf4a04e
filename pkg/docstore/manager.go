// Package docstore is the MongoDB side of a transfer: client construction, a
// bounded pool of sessions, transactional batch writes, collection setup and
// user administration.
package docstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/audit"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/retry"
)

// Manager owns the MongoDB client for one target database.
// It is safe for concurrent use by multiple table transfers.
type Manager struct {
	client  *mongo.Client
	db      *mongo.Database
	store   *Collections
	pool    *slotPool
	cfg     *config.TargetConfig
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
	closed  atomic.Bool
}

// ClientOptions translates the target configuration into driver options.
func ClientOptions(cfg *config.TargetConfig) (*options.ClientOptions, error) {
	opts := options.Client().
		ApplyURI(cfg.URIString()).
		SetAppName(cfg.AppName).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetMaxConnIdleTime(cfg.MaxIdleTime).
		SetRetryWrites(cfg.RetryWrites).
		SetRetryReads(cfg.RetryReads)

	if cfg.OperationTimeout > 0 {
		opts.SetTimeout(cfg.OperationTimeout)
	}
	if cfg.ReplicaSet != "" {
		opts.SetReplicaSet(cfg.ReplicaSet)
	}
	if cfg.DirectConnection {
		opts.SetDirect(true)
	}

	mode, err := readpref.ModeFromString(cfg.ReadPreference)
	if err != nil {
		return nil, &apperrors.ConfigError{Field: "target.read_preference", Err: err}
	}
	rp, err := readpref.New(mode)
	if err != nil {
		return nil, &apperrors.ConfigError{Field: "target.read_preference", Err: err}
	}
	opts.SetReadPreference(rp)
	opts.SetWriteConcern(writeConcern(cfg))

	if cfg.AuthEnabled && cfg.User != "" {
		opts.SetAuth(options.Credential{
			AuthMechanism: cfg.AuthMechanism,
			AuthSource:    cfg.AuthSource,
			Username:      cfg.User,
			Password:      cfg.Password,
			PasswordSet:   cfg.Password != "",
		})
	}

	if cfg.TLS {
		tlsCfg, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	if err := opts.Validate(); err != nil {
		return nil, &apperrors.ConfigError{Field: "target", Reason: "invalid client options", Err: err}
	}
	return opts, nil
}

func writeConcern(cfg *config.TargetConfig) *writeconcern.WriteConcern {
	journal := cfg.WriteConcernJournal
	wc := &writeconcern.WriteConcern{Journal: &journal}
	if n := cfg.WriteConcernNumber(); n >= 0 {
		wc.W = n
	} else {
		wc.W = "majority"
	}
	if wc.W == 0 {
		// unacknowledged writes cannot be journaled
		wc.Journal = nil
	}
	return wc
}

func tlsConfig(cfg *config.TargetConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSInsecure, //nolint:gosec // opt-in for self-signed dev clusters
	}
	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, &apperrors.ConfigError{Field: "target.tls_ca_file", Reason: "failed to read", Err: err}
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, &apperrors.ConfigError{Field: "target.tls_ca_file", Reason: "no certificates found"}
		}
		tlsCfg.RootCAs = roots
	}
	return tlsCfg, nil
}

// Connect creates the client and pings the primary, retrying with backoff
// while the server comes up.
func Connect(ctx context.Context, cfg *config.TargetConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("docstore")

	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Retryable = isRetryableConnectError
	retryCfg.OnRetry = func(attempt int, delay time.Duration, _ error) {
		logger.Debug("Retrying target connection", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	}

	client, err := retry.DoWithResult(ctx, retryCfg, func() (*mongo.Client, error) {
		c, err := mongo.Connect(opts)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx, readpref.Primary()); err != nil {
			_ = c.Disconnect(context.WithoutCancel(ctx))
			logger.Warn("Target ping failed",
				zap.String("uri", logging.SanitizeConnectionString(cfg.URIString())),
				zap.String("error", logging.SanitizeError(err)))
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to target %s: %s", logging.SanitizeConnectionString(cfg.URIString()), logging.SanitizeError(err))
	}

	m := newManager(client, cfg, logger)
	logger.Info("Target connected",
		zap.String("database", cfg.Database),
		zap.Uint64("max_pool_size", cfg.MaxPoolSize),
		zap.Bool("transactions", cfg.UseTransactions))
	return m, nil
}

func newManager(client *mongo.Client, cfg *config.TargetConfig, logger *zap.Logger) *Manager {
	db := client.Database(cfg.Database)
	return &Manager{
		client:  client,
		db:      db,
		store:   NewCollections(db),
		pool:    newSlotPool(int64(cfg.MaxPoolSize), cfg.PoolAcquireTimeout),
		cfg:     cfg,
		auditor: audit.NewSecurityAuditor(logger, actor(cfg)),
		logger:  logger,
	}
}

// actor is the identity audit events are attributed to.
func actor(cfg *config.TargetConfig) string {
	if !cfg.AuthEnabled {
		return ""
	}
	return cfg.User
}

// Database returns the target database handle.
func (m *Manager) Database() *mongo.Database { return m.db }

// Store returns the CRUD handle bound to the target database.
func (m *Manager) Store() *Collections { return m.store }

// Close refuses further sessions and disconnects the client. Sessions already
// acquired must be released first. Calling Close twice is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("disconnect target: %w", err)
	}
	m.logger.Info("Target disconnected")
	return nil
}
