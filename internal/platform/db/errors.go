package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// Error is a database failure carrying the HTTP status it maps to.
type Error struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("database error %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("database error: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Postgres SQLSTATE codes the server distinguishes.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeQueryCanceled       = "57014"
)

// Classify wraps err as *Error with a status derived from its SQLSTATE.
// Context cancellation and pgx.ErrNoRows are returned as context.Canceled
// and ErrNotFound so callers can test them with errors.Is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{StatusCode: http.StatusGatewayTimeout, Err: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return &Error{StatusCode: http.StatusInternalServerError, Err: err}
	}

	status := http.StatusInternalServerError
	switch pgErr.Code {
	case codeUniqueViolation, codeForeignKeyViolation:
		status = http.StatusConflict
	case codeQueryCanceled:
		status = http.StatusGatewayTimeout
	}
	return &Error{StatusCode: status, Code: pgErr.Code, Err: err}
}

// StatusCode returns the HTTP status for err, or 500 when it is not a *Error.
func StatusCode(err error) int {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.StatusCode
	}
	return http.StatusInternalServerError
}
