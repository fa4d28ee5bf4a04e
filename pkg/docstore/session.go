package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
)

const (
	labelUnknownCommitResult = "UnknownTransactionCommitResult"

	maxCommitAttempts = 3
	abortTimeout      = 10 * time.Second
)

// slotPool bounds the number of sessions checked out at once.
type slotPool struct {
	sem     *semaphore.Weighted
	max     int64
	timeout time.Duration
}

func newSlotPool(max int64, timeout time.Duration) *slotPool {
	if max < 1 {
		max = 1
	}
	return &slotPool{sem: semaphore.NewWeighted(max), max: max, timeout: timeout}
}

// acquire waits up to the pool timeout for a free slot. Running out of time
// is a *apperrors.PoolTimeoutError; a canceled ctx returns ctx's error.
func (p *slotPool) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apperrors.PoolTimeoutError{Timeout: p.timeout, Max: int(p.max)}
	}
	return nil
}

func (p *slotPool) release() { p.sem.Release(1) }

// transactor is the part of *mongo.Session that transactions drive.
type transactor interface {
	StartTransaction(opts ...options.Lister[options.TransactionOptions]) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	EndSession(ctx context.Context)
}

// Session is a pooled MongoDB session. Release it exactly once when done;
// further calls are no-ops.
type Session struct {
	sess *mongo.Session
	tx   transactor
	pool *slotPool
	once sync.Once
}

func newSession(sess *mongo.Session, tx transactor, pool *slotPool) *Session {
	return &Session{sess: sess, tx: tx, pool: pool}
}

// Release ends the session and returns its pool slot.
func (s *Session) Release() {
	s.once.Do(func() {
		s.tx.EndSession(context.Background())
		s.pool.release()
	})
}

// bind attaches the session to ctx so driver operations run inside it.
func (s *Session) bind(ctx context.Context) context.Context {
	if s.sess == nil {
		return ctx
	}
	return mongo.NewSessionContext(ctx, s.sess)
}

// AcquireSession checks out a session, waiting at most the configured
// pool acquire timeout for a free slot.
func (m *Manager) AcquireSession(ctx context.Context) (*Session, error) {
	if m.closed.Load() {
		return nil, apperrors.ErrPoolClosed
	}
	if err := m.pool.acquire(ctx); err != nil {
		var pte *apperrors.PoolTimeoutError
		if errors.As(err, &pte) {
			m.logger.Error("Session pool exhausted",
				zap.Duration("timeout", pte.Timeout),
				zap.Int("max", pte.Max))
		}
		return nil, err
	}

	sess, err := m.client.StartSession()
	if err != nil {
		m.pool.release()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return newSession(sess, sess, m.pool), nil
}

// WithTransaction runs fn inside a transaction on s, committing when fn
// succeeds and aborting when it fails or panics. When transactions are
// disabled in the target config, fn runs on the session without one.
func (m *Manager) WithTransaction(ctx context.Context, s *Session, fn func(ctx context.Context) error) error {
	if !m.cfg.UseTransactions {
		return fn(s.bind(ctx))
	}
	return runInTransaction(ctx, s.tx, s.bind, fn, m.logger)
}

func runInTransaction(ctx context.Context, tx transactor, bind func(context.Context) context.Context, fn func(context.Context) error, logger *zap.Logger) error {
	if err := tx.StartTransaction(); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	txCtx := bind(ctx)

	committed := false
	defer func() {
		if committed {
			return
		}
		if r := recover(); r != nil {
			abort(ctx, tx, logger)
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		abort(ctx, tx, logger)
		return err
	}

	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		if err = tx.CommitTransaction(txCtx); err == nil {
			committed = true
			return nil
		}
		if !hasLabel(err, labelUnknownCommitResult) || ctx.Err() != nil {
			break
		}
		logger.Warn("Commit result unknown, retrying commit", zap.Int("attempt", attempt))
	}
	return fmt.Errorf("commit transaction: %w", err)
}

// abort rolls back the open transaction even when ctx is already canceled.
func abort(ctx context.Context, tx transactor, logger *zap.Logger) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := tx.AbortTransaction(abortCtx); err != nil {
		logger.Warn("Abort transaction failed", zap.String("error", logging.SanitizeError(err)))
	}
}
