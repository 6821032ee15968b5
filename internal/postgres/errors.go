package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories branch on.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// sqlState extracts the SQLSTATE code from err, or "" when err carries no PostgreSQL error.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	return pgErr.Code
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return sqlState(err) == codeUniqueViolation
}

// IsForeignKeyViolation reports whether err is a foreign key constraint violation.
func IsForeignKeyViolation(err error) bool {
	return sqlState(err) == codeForeignKeyViolation
}
