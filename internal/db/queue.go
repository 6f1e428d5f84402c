package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// NOTIFY channels raised by the schema triggers
const (
	ChannelSiteQueued = "site_queue"
	ChannelWorkerIdle = "worker_idle"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so store helpers can run
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DbQueue runs coordinator operations as PostgreSQL transactions
type DbQueue struct {
	db        *sql.DB
	txOptions *sql.TxOptions
	retry     TxRetryConfig
}

// TxRetryConfig bounds retries of transactions aborted by serialization
// failures or deadlocks.
type TxRetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultTxRetryConfig returns the retry policy used by ExecuteWithRetry
func DefaultTxRetryConfig() TxRetryConfig {
	return TxRetryConfig{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// NewDbQueue creates a transaction runner using serializable isolation
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{
		db:        db,
		txOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
		retry:     DefaultTxRetryConfig(),
	}
}

// WithRetryConfig overrides the serialization retry policy
func (q *DbQueue) WithRetryConfig(cfg TxRetryConfig) *DbQueue {
	q.retry = cfg
	return q
}

// DB returns the pool used for reads outside a transaction
func (q *DbQueue) DB() *sql.DB {
	return q.db
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, q.txOptions)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ExecuteWithRetry runs fn in a transaction and re-runs the whole transaction
// when PostgreSQL aborts it with a serialization failure or deadlock. fn must
// not have side effects outside the transaction.
func (q *DbQueue) ExecuteWithRetry(ctx context.Context, fn func(*sql.Tx) error) error {
	attempts := q.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := q.retry.InitialInterval

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = q.Execute(ctx, fn)
		if err == nil || !IsSerializationFailure(err) {
			return err
		}

		if attempt == attempts {
			break
		}

		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("Transaction aborted by concurrent update, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > q.retry.MaxInterval {
			backoff = q.retry.MaxInterval
		}
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
}
