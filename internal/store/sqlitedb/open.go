// Package sqlitedb abre bases SQLite (mattn/go-sqlite3) con la configuración
// que comparten el adapter de la central y el almacenamiento local del edge.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Open abre path con WAL, foreign keys, busy timeout y transacciones
// BEGIN IMMEDIATE. Los pragmas van en el DSN para que apliquen a cada
// conexión del pool, no sólo a la primera.
// Si logger es nil opera en silencio.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}

	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
			"txlock", "immediate",
		)
	}
	return db, nil
}

// DSN arma el connection string de mattn para path.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000&_txlock=immediate"
}

// IsUniqueViolation reporta si err es una violación de UNIQUE/PRIMARY KEY.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// NullString convierte "" en NULL.
func NullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
