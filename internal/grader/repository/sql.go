package repository

import (
	"context"
	"database/sql"

	"codegrader/internal/common/db"
	appErr "codegrader/pkg/errors"
)

// sqlExecutor is the subset of *sqlx.DB the repositories use.
type sqlExecutor interface {
	DriverName() string
	Rebind(query string) string
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// classify maps a driver error onto the grader's error codes.
// Only connection-level failures keep the retryable code.
func classify(err error, code appErr.ErrorCode, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	switch {
	case db.IsConstraintViolation(err):
		return appErr.Wrapf(err, appErr.ConstraintViolation, format, args...)
	case db.IsTransient(err):
		return appErr.Wrapf(err, code, format, args...)
	default:
		return appErr.Wrapf(err, appErr.StatementRejected, format, args...)
	}
}
