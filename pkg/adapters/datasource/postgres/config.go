package postgres

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
)

// Config contains PostgreSQL-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
	// Schema limits ListTables to one schema and is the default schema for
	// unqualified table names. Empty lists every user schema.
	Schema       string
	PoolMaxConns int32
	PoolMinConns int32
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// DefaultSchema is used for unqualified table names when no schema is configured.
const DefaultSchema = "public"

// FromSourceConfig creates a Config from the source section of the configuration.
func FromSourceConfig(src *config.SourceConfig) (*Config, error) {
	if src == nil {
		return nil, fmt.Errorf("source config is required")
	}
	if src.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if src.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if src.Database == "" {
		return nil, fmt.Errorf("database is required")
	}

	cfg := &Config{
		Host:         src.Host,
		Port:         src.Port,
		User:         src.User,
		Password:     src.Password,
		Database:     src.Database,
		SSLMode:      src.SSLMode,
		Schema:       src.Schema,
		PoolMaxConns: src.PoolMaxConns,
		PoolMinConns: src.PoolMinConns,
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort()
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = DefaultSSLMode()
	}
	return cfg, nil
}
