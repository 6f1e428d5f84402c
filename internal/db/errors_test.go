package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsSerializationFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "pgx serialization failure", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "pgx deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "pq serialization failure", err: &pq.Error{Code: "40001"}, want: true},
		{name: "wrapped", err: fmt.Errorf("failed to commit transaction: %w", &pgconn.PgError{Code: "40001"}), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsSerializationFailure(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("failed to insert site: %w", &pq.Error{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("duplicate")))
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, want: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, want: true},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "integrity violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "data exception", err: &pgconn.PgError{Code: "22P02"}, want: false},
		{name: "bad password", err: &pgconn.PgError{Code: "28P01"}, want: false},
		{name: "missing database", err: &pgconn.PgError{Code: "3D000"}, want: false},
		{name: "conn done", err: sql.ErrConnDone, want: true},
		{name: "deadline", err: fmt.Errorf("ping: %w", context.DeadlineExceeded), want: true},
		{name: "refused message", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: true},
		{name: "config error", err: errors.New("database host is required"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}
