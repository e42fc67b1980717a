package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTxKey carries the active pgx.Tx so repositories join the caller's unit of work.
const DBTxKey contextKey = "db_tx"

// TxFromContext returns the transaction stored by TxRunner, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxRunner runs a function inside a single database transaction. Transactions
// that abort with a serialization failure or deadlock are retried up to
// MaxRetries times; every other error rolls back and is returned unchanged.
type TxRunner struct {
	pool       *pgxpool.Pool
	MaxRetries int
	Backoff    time.Duration
}

func NewTxRunner(pool *pgxpool.Pool, maxRetries int) *TxRunner {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &TxRunner{pool: pool, MaxRetries: maxRetries, Backoff: 20 * time.Millisecond}
}

// WithinTx executes fn with a context carrying the transaction. If ctx already
// carries one, fn joins it and the outer caller decides the outcome.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var begin txBeginner = r.pool
	if conn := ConnFromContext(ctx); conn != nil {
		begin = conn
	}

	var err error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		err = r.runOnce(ctx, begin, fn)
		if err == nil || !IsRetryable(err) || attempt == r.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Backoff * time.Duration(attempt+1)):
		}
	}
	return err
}

func (r *TxRunner) runOnce(ctx context.Context, begin txBeginner, fn func(ctx context.Context) error) error {
	tx, err := begin.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a transient transaction conflict.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
