package pgutils

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes the services react to.
const (
	CodeUniqueViolation      = "23505"
	CodeCheckViolation       = "23514"
	CodeForeignKeyViolation  = "23503"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
)

// Code returns the SQLSTATE of err, or "" if err carries none.
func Code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	return ""
}

func constraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}

	return ""
}

// IsUniqueViolation reports a 23505. A non-empty name also has to match the
// violated constraint or index.
func IsUniqueViolation(err error, name string) bool {
	if Code(err) != CodeUniqueViolation {
		return false
	}

	return name == "" || constraint(err) == name
}

// IsCheckViolation reports a 23514, optionally for one named constraint.
func IsCheckViolation(err error, name string) bool {
	if Code(err) != CodeCheckViolation {
		return false
	}

	return name == "" || constraint(err) == name
}

// IsSerializationFailure reports errors Postgres expects the client to retry.
func IsSerializationFailure(err error) bool {
	switch Code(err) {
	case CodeSerializationFailure, CodeDeadlockDetected:
		return true
	default:
		return false
	}
}

// IsStorageError reports errors that mean the database did not do its job:
// server-side failures, lost connections and network faults. Caller
// cancellation is not a storage error.
func IsStorageError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, context.DeadlineExceeded)
}
