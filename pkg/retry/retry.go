package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64 // 0.0-1.0, default 0.1 for +/-10% jitter
	MaxSameErrorType int     // After N consecutive same-type errors, treat as permanent (default: 5)

	// OnRetry is called before each backoff sleep with the 1-based number of the
	// attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Retryable reports whether DoWithResult should try again after err.
	// Nil retries every error.
	Retryable func(err error) bool
}

// DefaultConfig returns sensible defaults for database operations
// 3 retries with 100ms initial delay, capped at 5s, doubling each time, with 10% jitter
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

// Policy is the backoff policy for WithRetry.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64

	// Classify reports whether an error is transient. Nil means IsRetryable.
	Classify func(error) bool

	// OnRetry is called once per retry, before the backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// applyJitter adds random jitter to a delay to prevent thundering herd.
// Jitter is calculated as: delay +/- (delay * jitterFactor * random(-1 to +1))
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// growDelay multiplies delay, capped at maxDelay when maxDelay is set.
func growDelay(delay time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if multiplier <= 0 {
		multiplier = 1
	}
	next := time.Duration(float64(delay) * multiplier)
	if maxDelay > 0 && next > maxDelay {
		next = maxDelay
	}
	return next
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithRetry invokes fn up to maxAttempts times. Errors that policy.Classify marks
// as transient are retried with exponential backoff and jitter; any other error is
// returned immediately. When every attempt fails the last error is returned as is.
// A transient-then-success sequence of k attempts reports k-1 retries to OnRetry.
func WithRetry(ctx context.Context, fn func() error, maxAttempts int, policy Policy) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	classify := policy.Classify
	if classify == nil {
		classify = IsRetryable
	}

	delay := policy.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !classify(err) || attempt == maxAttempts {
			return err
		}

		wait := applyJitter(delay, policy.JitterFactor)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		delay = growDelay(delay, policy.Multiplier, policy.MaxDelay)
	}

	return lastErr
}

// DoWithResult executes fn and returns both result and error
// Useful for functions that return values (like pgxpool.New or mongo.Connect)
// Respects context cancellation during wait periods
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		lastErr = err
		result = r

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return result, err
		}

		if attempt < cfg.MaxRetries {
			wait := applyJitter(delay, cfg.JitterFactor)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt+1, wait, err)
			}
			if err := sleep(ctx, wait); err != nil {
				return result, err
			}
			delay = growDelay(delay, cfg.Multiplier, cfg.MaxDelay)
		}
	}

	return result, lastErr
}

// RetryableError is an interface for errors that explicitly declare their retryability.
// The write errors in apperrors implement it.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable determines if an error is transient and worth retrying
// This prevents wasting retries on permanent failures (auth errors, bad SQL, etc.)
//
// The function checks errors in this order:
// 1. If any error in the chain implements RetryableError, use its IsRetryable() method
// 2. Otherwise, pattern-match against known retryable error strings
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		// Connection errors
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"i/o timeout",
		"network is unreachable",
		"unexpected eof",
		"conn closed",
		"server closed the connection",
		// PostgreSQL SQLSTATEs: serialization_failure, deadlock_detected,
		// too_many_connections, admin_shutdown, connection_failure
		"sqlstate 40001",
		"sqlstate 40p01",
		"sqlstate 53300",
		"sqlstate 57p01",
		"sqlstate 08006",
		// SQL Server: deadlock victim, lock request timeout
		"was deadlocked",
		"lock request time out",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// classifyErrorType extracts a category from error for comparison.
// This is used to detect repeated failures of the same error type.
func classifyErrorType(err error) string {
	if err == nil {
		return "nil"
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset"):
		return "connection"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out"):
		return "timeout"
	case strings.Contains(errStr, "broken pipe"):
		return "broken_pipe"
	case strings.Contains(errStr, "deadlock") || strings.Contains(errStr, "sqlstate 40p01"):
		return "deadlock"
	case strings.Contains(errStr, "sqlstate 40001"):
		return "serialization"
	case strings.Contains(errStr, "too many connections") || strings.Contains(errStr, "sqlstate 53300"):
		return "too_many_connections"
	}

	return "unknown"
}

// DoIfRetryable only retries if the error is transient
// For permanent errors (auth failures, bad SQL, etc.), it returns immediately
// After N consecutive failures of the same error type, escalates to permanent failure
// Respects context cancellation during wait periods
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay
	sameErrorCount := 0
	var lastErrorType string

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		currentErrorType := classifyErrorType(err)
		if currentErrorType == lastErrorType {
			sameErrorCount++
			if cfg.MaxSameErrorType > 0 && sameErrorCount >= cfg.MaxSameErrorType {
				return fmt.Errorf("repeated error (%d times, type=%s): %w", sameErrorCount, currentErrorType, err)
			}
		} else {
			sameErrorCount = 1
			lastErrorType = currentErrorType
		}

		if attempt < cfg.MaxRetries {
			wait := applyJitter(delay, cfg.JitterFactor)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt+1, wait, err)
			}
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			delay = growDelay(delay, cfg.Multiplier, cfg.MaxDelay)
		}
	}

	return lastErr
}
