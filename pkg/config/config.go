package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
)

// DefaultConfigFile is read from the working directory when no path is given.
const DefaultConfigFile = "config.yaml"

// Config holds all configuration for ekaya-migrate.
// Configuration can come from a YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Version string `yaml:"-"` // Set at load time, not from config

	Source   SourceConfig   `yaml:"source"`
	Target   TargetConfig   `yaml:"target"`
	Transfer TransferConfig `yaml:"transfer"`
	Retry    RetryConfig    `yaml:"retry"`
	Log      LogConfig      `yaml:"log"`
}

// SourceConfig holds the relational source connection settings.
type SourceConfig struct {
	// Type selects the registered datasource adapter ("postgres" or "mssql").
	Type     string `yaml:"type" env:"SOURCE_TYPE" env-default:"postgres"`
	Host     string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User     string `yaml:"user" env:"PGUSER" env-default:"postgres"`
	Password string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"PGDATABASE" env-default:"postgres"`
	// Schema restricts ListTables to one schema. Empty means every user schema.
	Schema       string `yaml:"schema" env:"SOURCE_SCHEMA" env-default:"public"`
	SSLMode      string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	PoolMaxConns int32  `yaml:"pool_max_conns" env:"SOURCE_POOL_MAX_CONNS" env-default:"4"`
	PoolMinConns int32  `yaml:"pool_min_conns" env:"SOURCE_POOL_MIN_CONNS" env-default:"1"`
}

// TargetConfig holds the MongoDB connection and session pool settings.
type TargetConfig struct {
	Host     string `yaml:"host" env:"MONGO_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"MONGO_PORT" env-default:"27017"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"migrated"`
	// URI, when set, replaces Host/Port (mongodb+srv clusters, multi-host seeds).
	URI string `yaml:"uri" env:"MONGO_URI" env-default:""`

	AuthEnabled   bool   `yaml:"auth_enabled" env:"MONGO_AUTH_ENABLED" env-default:"true"`
	User          string `yaml:"user" env:"MONGO_USER" env-default:""`
	Password      string `yaml:"-" env:"MONGO_PASSWORD"` // Secret - not in YAML
	AuthSource    string `yaml:"auth_source" env:"MONGO_AUTH_SOURCE" env-default:"admin"`
	AuthMechanism string `yaml:"auth_mechanism" env:"MONGO_AUTH_MECHANISM" env-default:"SCRAM-SHA-256"`

	AppName     string `yaml:"app_name" env:"MONGO_APP_NAME" env-default:"ekaya-migrate"`
	MinPoolSize uint64 `yaml:"min_pool_size" env:"MONGO_MIN_POOL_SIZE" env-default:"5"`
	MaxPoolSize uint64 `yaml:"max_pool_size" env:"MONGO_MAX_POOL_SIZE" env-default:"20"`
	// PoolAcquireTimeout bounds how long AcquireSession waits for a free slot.
	PoolAcquireTimeout time.Duration `yaml:"pool_acquire_timeout" env:"MONGO_POOL_ACQUIRE_TIMEOUT" env-default:"30s"`

	ConnectTimeout         time.Duration `yaml:"connect_timeout" env:"MONGO_CONNECT_TIMEOUT" env-default:"30s"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout" env:"MONGO_SERVER_SELECTION_TIMEOUT" env-default:"30s"`
	OperationTimeout       time.Duration `yaml:"operation_timeout" env:"MONGO_OPERATION_TIMEOUT" env-default:"30s"`
	MaxIdleTime            time.Duration `yaml:"max_idle_time" env:"MONGO_MAX_IDLE_TIME" env-default:"10m"`

	TLS         bool   `yaml:"tls" env:"MONGO_TLS" env-default:"false"`
	TLSInsecure bool   `yaml:"tls_insecure" env:"MONGO_TLS_INSECURE" env-default:"false"`
	TLSCAFile   string `yaml:"tls_ca_file" env:"MONGO_TLS_CA_FILE" env-default:""`

	ReplicaSet       string `yaml:"replica_set" env:"MONGO_REPLICA_SET" env-default:""`
	DirectConnection bool   `yaml:"direct_connection" env:"MONGO_DIRECT_CONNECTION" env-default:"false"`
	ReadPreference   string `yaml:"read_preference" env:"MONGO_READ_PREFERENCE" env-default:"primary"`
	// WriteConcernW is a number ("1") or "majority".
	WriteConcernW       string `yaml:"write_concern_w" env:"MONGO_WRITE_CONCERN_W" env-default:"1"`
	WriteConcernJournal bool   `yaml:"write_concern_journal" env:"MONGO_WRITE_CONCERN_J" env-default:"true"`
	RetryWrites         bool   `yaml:"retry_writes" env:"MONGO_RETRY_WRITES" env-default:"true"`
	RetryReads          bool   `yaml:"retry_reads" env:"MONGO_RETRY_READS" env-default:"true"`

	// UseTransactions wraps every batch write in a multi-document transaction.
	// Standalone servers do not support transactions; disable it there.
	UseTransactions bool `yaml:"use_transactions" env:"MONGO_USE_TRANSACTIONS" env-default:"true"`
}

// TransferConfig controls the transfer engine.
type TransferConfig struct {
	BatchSize   int `yaml:"batch_size" env:"TRANSFER_BATCH_SIZE" env-default:"500"`
	Concurrency int `yaml:"concurrency" env:"TRANSFER_CONCURRENCY" env-default:"1"`

	// Tables, when non-empty, is the allow-list of tables to transfer.
	Tables        []string `yaml:"tables" env:"TRANSFER_TABLES" env-separator:","`
	ExcludeTables []string `yaml:"exclude_tables" env:"TRANSFER_EXCLUDE_TABLES" env-separator:","`

	// ExistingCollection is what to do with a target collection that already exists:
	// "append" keeps it, "truncate" deletes its documents, "drop" drops it.
	ExistingCollection string `yaml:"existing_collection" env:"TRANSFER_EXISTING_COLLECTION" env-default:"append"`
	// WriteMode is "insert" or "upsert" (replace by primary key).
	WriteMode string `yaml:"write_mode" env:"TRANSFER_WRITE_MODE" env-default:"insert"`

	// MaxBatchesPerSecond throttles writes per table. Zero disables throttling.
	MaxBatchesPerSecond float64 `yaml:"max_batches_per_second" env:"TRANSFER_MAX_BATCHES_PER_SECOND" env-default:"0"`
	ExactCount          bool    `yaml:"exact_count" env:"TRANSFER_EXACT_COUNT" env-default:"true"`
	VerifyCounts        bool    `yaml:"verify_counts" env:"TRANSFER_VERIFY_COUNTS" env-default:"false"`

	// Progress is "log", "bar" or "none".
	Progress   string `yaml:"progress" env:"TRANSFER_PROGRESS" env-default:"log"`
	ReportPath string `yaml:"report_path" env:"TRANSFER_REPORT_PATH" env-default:""`
}

// RetryConfig is the backoff policy for target writes and collection setup.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"RETRY_INITIAL_DELAY" env-default:"200ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"10s"`
	Multiplier   float64       `yaml:"multiplier" env:"RETRY_MULTIPLIER" env-default:"2.0"`
	JitterFactor float64       `yaml:"jitter_factor" env:"RETRY_JITTER_FACTOR" env-default:"0.1"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
}

var (
	sourceTypes     = []string{"postgres", "mssql"}
	writeModes      = []string{"insert", "upsert"}
	existingModes   = []string{"append", "truncate", "drop"}
	progressModes   = []string{"log", "bar", "none"}
	readPreferences = []string{"primary", "primaryPreferred", "secondary", "secondaryPreferred", "nearest"}
	authMechanisms  = []string{"", "SCRAM-SHA-1", "SCRAM-SHA-256", "PLAIN", "MONGODB-X509", "MONGODB-AWS", "GSSAPI"}
)

// Load reads configuration from path (config.yaml when empty) with environment
// variable overrides. A missing default file is not an error: the configuration
// then comes from the environment and defaults only. A .env file in the working
// directory, if present, is loaded into the environment first.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &apperrors.ConfigError{Field: ".env", Reason: "failed to load", Err: err}
	}

	cfg := &Config{Version: version}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, &apperrors.ConfigError{Field: filepath.Base(path), Reason: "failed to read", Err: err}
		}
	case explicit:
		return nil, &apperrors.ConfigError{Field: path, Reason: "config file not found", Err: statErr}
	default:
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, &apperrors.ConfigError{Reason: "failed to read environment", Err: err}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration. Errors are *apperrors.ConfigError.
func (c *Config) Validate() error {
	switch {
	case !slices.Contains(sourceTypes, c.Source.Type):
		return invalid("source.type", "must be one of %v, got %q", sourceTypes, c.Source.Type)
	case strings.TrimSpace(c.Source.Host) == "":
		return invalid("source.host", "cannot be empty")
	case c.Source.Port <= 0 || c.Source.Port > 65535:
		return invalid("source.port", "out of range: %d", c.Source.Port)
	case c.Source.Database == "":
		return invalid("source.database", "cannot be empty")
	case c.Source.PoolMaxConns < 1:
		return invalid("source.pool_max_conns", "must be at least 1")
	case c.Source.PoolMinConns < 0 || c.Source.PoolMinConns > c.Source.PoolMaxConns:
		return invalid("source.pool_min_conns", "must be between 0 and pool_max_conns")
	}

	t := c.Target
	switch {
	case t.URI == "" && strings.TrimSpace(t.Host) == "":
		return invalid("target.host", "cannot be empty")
	case t.URI == "" && (t.Port <= 0 || t.Port > 65535):
		return invalid("target.port", "out of range: %d", t.Port)
	case t.Database == "":
		return invalid("target.database", "cannot be empty")
	case t.MaxPoolSize < 1:
		return invalid("target.max_pool_size", "must be at least 1")
	case t.MinPoolSize > t.MaxPoolSize:
		return invalid("target.min_pool_size", "%d exceeds max_pool_size %d", t.MinPoolSize, t.MaxPoolSize)
	case t.PoolAcquireTimeout <= 0:
		return invalid("target.pool_acquire_timeout", "must be positive")
	case !slices.Contains(readPreferences, t.ReadPreference):
		return invalid("target.read_preference", "must be one of %v, got %q", readPreferences, t.ReadPreference)
	case !slices.Contains(authMechanisms, t.AuthMechanism):
		return invalid("target.auth_mechanism", "unsupported mechanism %q", t.AuthMechanism)
	case t.AuthEnabled && t.User != "" && t.Password == "" && t.AuthMechanism != "MONGODB-X509":
		return invalid("target.password", "MONGO_PASSWORD must be set when target.user is set")
	}
	if t.WriteConcernW != "majority" {
		if n, err := strconv.Atoi(t.WriteConcernW); err != nil || n < 0 {
			return invalid("target.write_concern_w", "must be a non-negative number or \"majority\", got %q", t.WriteConcernW)
		}
	}

	tr := c.Transfer
	switch {
	case tr.BatchSize < 1:
		return invalid("transfer.batch_size", "must be at least 1, got %d", tr.BatchSize)
	case tr.Concurrency < 1:
		return invalid("transfer.concurrency", "must be at least 1, got %d", tr.Concurrency)
	case !slices.Contains(writeModes, tr.WriteMode):
		return invalid("transfer.write_mode", "must be one of %v, got %q", writeModes, tr.WriteMode)
	case !slices.Contains(existingModes, tr.ExistingCollection):
		return invalid("transfer.existing_collection", "must be one of %v, got %q", existingModes, tr.ExistingCollection)
	case !slices.Contains(progressModes, tr.Progress):
		return invalid("transfer.progress", "must be one of %v, got %q", progressModes, tr.Progress)
	case tr.MaxBatchesPerSecond < 0:
		return invalid("transfer.max_batches_per_second", "cannot be negative")
	}

	r := c.Retry
	switch {
	case r.MaxAttempts < 1:
		return invalid("retry.max_attempts", "must be at least 1, got %d", r.MaxAttempts)
	case r.InitialDelay < 0 || r.MaxDelay < 0:
		return invalid("retry", "delays cannot be negative")
	case r.Multiplier < 1:
		return invalid("retry.multiplier", "must be at least 1, got %v", r.Multiplier)
	case r.JitterFactor < 0 || r.JitterFactor > 1:
		return invalid("retry.jitter_factor", "must be between 0 and 1, got %v", r.JitterFactor)
	}

	return nil
}

func invalid(field, format string, args ...any) error {
	return &apperrors.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// URIString returns the MongoDB connection URI for the target without credentials.
// Credentials are passed to the driver separately.
func (c *TargetConfig) URIString() string {
	if c.URI != "" {
		return c.URI
	}
	u := url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:   "/",
	}
	return u.String()
}

// WriteConcernNumber returns the numeric w value, or -1 when w is "majority".
func (c *TargetConfig) WriteConcernNumber() int {
	n, err := strconv.Atoi(c.WriteConcernW)
	if err != nil {
		return -1
	}
	return n
}

// IncludeTable reports whether table passes the include/exclude filters.
func (c *TransferConfig) IncludeTable(table string) bool {
	if slices.Contains(c.ExcludeTables, table) {
		return false
	}
	return len(c.Tables) == 0 || slices.Contains(c.Tables, table)
}
