package db

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Common metadata store error types
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrUniqueViolation is returned when a unique constraint is violated.
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrForeignKeyViolation is returned when a foreign key constraint is
	// violated.
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")
)

// ConvertDBError converts driver-specific errors to store errors, so
// callers can detect conflicts without importing driver packages.
func ConvertDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	// PostgreSQL (pgx)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrUniqueViolation
		case "23503": // foreign_key_violation
			return ErrForeignKeyViolation
		}
		return err
	}

	// SQLite (mattn/go-sqlite3)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return ErrUniqueViolation
		case sqlite3.ErrConstraintForeignKey:
			return ErrForeignKeyViolation
		}
	}
	return err
}
