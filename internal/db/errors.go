package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrNotFound is returned by lookups that match no row
var ErrNotFound = errors.New("record not found")

// sqlState extracts the SQLSTATE code from either driver's error type.
// The pool runs on pgx, the LISTEN connection on lib/pq.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

// IsSerializationFailure reports whether err aborted a transaction because of
// a concurrent update (40001) or a detected deadlock (40P01).
func IsSerializationFailure(err error) bool {
	switch sqlState(err) {
	case "40001", "40P01":
		return true
	}
	return false
}

// IsUniqueViolation reports a unique constraint violation (23505)
func IsUniqueViolation(err error) bool {
	return sqlState(err) == "23505"
}

// isRetryableError determines if an error is infrastructure-related (should retry)
// vs data-related (bad input that will fail again)
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if code := sqlState(err); code != "" {
		switch code[:2] {
		case "08": // Connection exceptions
			return true
		case "53": // Insufficient resources (connection limit, out of memory, disk full)
			return true
		case "57": // Operator intervention (shutdown in progress, etc)
			return true
		case "58": // System errors (IO errors, etc)
			return true
		case "40": // Transaction rollback (serialization, deadlock)
			return true
		case "23": // Integrity constraint violations
			return false
		case "22": // Data exceptions
			return false
		case "28": // Invalid authorisation
			return false
		case "3D": // Invalid catalog name (database does not exist)
			return false
		default:
			return true
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"too many connections",
		"the database system is starting up",
	}
	for _, msg := range connectionErrors {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}
