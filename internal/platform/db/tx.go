package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxTxAttempts bounds how often WithTx runs a transaction that failed
// transiently.
const maxTxAttempts = 3

// WithTx executes fn within a READ COMMITTED transaction. Callers serialise
// conflicting writers with SELECT ... FOR UPDATE, so a waiter observes the
// committed row once the lock is granted. Serialization failures and
// deadlocks rerun the whole transaction, so fn must not keep state across
// attempts.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return retryTransient(ctx, maxTxAttempts, func() error {
		return runTx(ctx, pool, fn)
	})
}

func runTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

func retryTransient(ctx context.Context, attempts int, run func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = run()
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
)

// IsUniqueViolation reports whether err is a unique violation of constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsForeignKeyViolation reports whether err is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation
}

// IsTransient reports whether a retry of the whole transaction may succeed.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerialization || pgErr.Code == codeDeadlock
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
