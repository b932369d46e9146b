package pg

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// nullIfEmpty returns nil if the string is empty, otherwise returns the string pointer.
// Useful for inserting optional string fields into PostgreSQL.
func nullIfEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reporta SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
