package mssql

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
)

// Config contains SQL Server-specific connection options.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string

	// Schema limits ListTables to one schema and is the default schema for
	// unqualified table names. Empty lists every user schema.
	Schema string

	// Connection options
	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int

	MaxOpenConns int
	MaxIdleConns int
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// DefaultConnectionTimeout returns the default connection timeout in seconds.
func DefaultConnectionTimeout() int {
	return 30
}

// DefaultSchema is used for unqualified table names when no schema is configured.
const DefaultSchema = "dbo"

// FromSourceConfig creates a Config from the source section of the configuration.
// The PostgreSQL-style ssl_mode maps onto the driver's encryption flags:
// "disable" turns encryption off, "require" encrypts without verifying the
// certificate and "verify-ca"/"verify-full" encrypt and verify.
func FromSourceConfig(src *config.SourceConfig) (*Config, error) {
	if src == nil {
		return nil, fmt.Errorf("source config is required")
	}

	cfg := &Config{
		Host:              src.Host,
		Port:              src.Port,
		Database:          src.Database,
		Username:          src.User,
		Password:          src.Password,
		Schema:            src.Schema,
		Encrypt:           true,
		ConnectionTimeout: DefaultConnectionTimeout(),
		MaxOpenConns:      int(src.PoolMaxConns),
		MaxIdleConns:      int(src.PoolMinConns),
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort()
	}
	// "public" is the PostgreSQL default and never exists on SQL Server.
	if cfg.Schema == "public" {
		cfg.Schema = DefaultSchema
	}

	switch src.SSLMode {
	case "disable":
		cfg.Encrypt = false
	case "", "require", "prefer", "allow":
		cfg.TrustServerCertificate = true
	case "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("unsupported ssl_mode for SQL Server: %s", src.SSLMode)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the config has all required fields.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required for SQL authentication")
	}
	return nil
}
