package apperrors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrEndOfTable  = errors.New("end of table")
	ErrCursorClose = errors.New("cursor is closed")
	ErrPoolClosed  = errors.New("session pool is closed")
)

// ConfigError reports invalid or missing configuration. Fatal before any transfer starts.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config"
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SchemaExtractionError reports that catalog metadata for a table could not be read.
// Fatal for that table only.
type SchemaExtractionError struct {
	Table string
	Err   error
}

func (e *SchemaExtractionError) Error() string {
	return fmt.Sprintf("extract schema for table %q: %v", e.Table, e.Err)
}

func (e *SchemaExtractionError) Unwrap() error { return e.Err }

// UnsupportedTypeError names a source column type that has no coercion rule.
type UnsupportedTypeError struct {
	Table  string
	Column string
	Type   string
}

func (e *UnsupportedTypeError) Error() string {
	switch {
	case e.Table != "" && e.Column != "":
		return fmt.Sprintf("unsupported source type %q for column %s.%s", e.Type, e.Table, e.Column)
	case e.Column != "":
		return fmt.Sprintf("unsupported source type %q for column %s", e.Type, e.Column)
	default:
		return fmt.Sprintf("unsupported source type %q", e.Type)
	}
}

// TransientWriteError is a target failure that is likely to succeed on retry
// (network blips, lock contention, retryable server labels).
type TransientWriteError struct {
	Table string
	Batch int
	Err   error
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf("transient write error (%s): %v", location(e.Table, e.Batch), e.Err)
}

func (e *TransientWriteError) Unwrap() error { return e.Err }

// IsRetryable implements retry.RetryableError.
func (e *TransientWriteError) IsRetryable() bool { return true }

// PermanentWriteError is a target or row-level failure that must not be retried.
// It aborts the remaining batches of the table.
type PermanentWriteError struct {
	Table string
	Batch int
	Err   error
}

func (e *PermanentWriteError) Error() string {
	return fmt.Sprintf("permanent write error (%s): %v", location(e.Table, e.Batch), e.Err)
}

func (e *PermanentWriteError) Unwrap() error { return e.Err }

// IsRetryable implements retry.RetryableError.
func (e *PermanentWriteError) IsRetryable() bool { return false }

// SetupBatch is the Batch value of write errors raised while preparing a
// collection, before any batch is written.
const SetupBatch = -1

func location(table string, batch int) string {
	if batch == SetupBatch {
		return "table=" + table + " setup"
	}
	return fmt.Sprintf("table=%s batch=%d", table, batch)
}

// PoolTimeoutError is returned when no target session became available within the
// configured acquire timeout.
type PoolTimeoutError struct {
	Timeout time.Duration
	Max     int
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("no session available after %s (pool max %d)", e.Timeout, e.Max)
}

// IsRetryable implements retry.RetryableError. Pool exhaustion is fatal per operation.
func (e *PoolTimeoutError) IsRetryable() bool { return false }

// IsTransient reports whether err is classified as retry-safe.
func IsTransient(err error) bool {
	var te *TransientWriteError
	return errors.As(err, &te)
}

// IsPermanent reports whether err carries a PermanentWriteError.
func IsPermanent(err error) bool {
	var pe *PermanentWriteError
	return errors.As(err, &pe)
}
