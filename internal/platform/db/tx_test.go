package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert purchase: %w", &pgconn.PgError{Code: "23505", ConstraintName: "purchases_source_requisition_key"})

	require.True(t, IsUniqueViolation(err, "purchases_source_requisition_key"))
	require.True(t, IsUniqueViolation(err, ""))
	require.False(t, IsUniqueViolation(err, "other"))
	require.False(t, IsUniqueViolation(errors.New("plain"), ""))
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsTransient(&pgconn.PgError{Code: "40P01"}))
	require.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	require.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}))
}

func TestRetryTransient(t *testing.T) {
	deadlock := fmt.Errorf("lock balance: %w", &pgconn.PgError{Code: "40P01"})
	cases := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first", nil, 1, false},
		{"retries deadlock", []error{deadlock, &pgconn.PgError{Code: "40001"}}, 3, false},
		{"gives up", []error{deadlock, deadlock, deadlock, deadlock}, maxTxAttempts, true},
		{"permanent error", []error{&pgconn.PgError{Code: "23505"}}, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryTransient(context.Background(), maxTxAttempts, func() error {
				calls++
				if calls <= len(tc.failures) {
					return tc.failures[calls-1]
				}
				return nil
			})
			require.Equal(t, tc.wantCalls, calls)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRetryTransientStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryTransient(ctx, maxTxAttempts, func() error {
		calls++
		cancel()
		return &pgconn.PgError{Code: "40001"}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
