package datasource

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
)

// DatasourceAdapterInfo describes a registered source adapter.
type DatasourceAdapterInfo struct {
	Type        string `json:"type" yaml:"type"`                 // "postgres", "mssql"
	DisplayName string `json:"display_name" yaml:"display_name"` // "PostgreSQL", "Microsoft SQL Server"
	Description string `json:"description" yaml:"description"`
}

// SourceFactory opens a Source from the source section of the configuration.
type SourceFactory func(ctx context.Context, cfg *config.SourceConfig, logger *zap.Logger) (Source, error)

// DatasourceAdapterRegistration contains info + the factory for one adapter type.
type DatasourceAdapterRegistration struct {
	Info    DatasourceAdapterInfo
	Factory SourceFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DatasourceAdapterRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg DatasourceAdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapters, sorted by type.
func RegisteredAdapters() []DatasourceAdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]DatasourceAdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	slices.SortFunc(result, func(a, b DatasourceAdapterInfo) int {
		if a.Type < b.Type {
			return -1
		}
		if a.Type > b.Type {
			return 1
		}
		return 0
	})
	return result
}

// GetFactory returns the factory for a datasource type.
// Returns nil if type is not registered.
func GetFactory(dsType string) SourceFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[dsType]; ok {
		return reg.Factory
	}
	return nil
}
