// Package localdb es el almacenamiento SQLite del nodo edge: schema, estado
// clave/valor (cursor, secretos cifrados) y la réplica de registros de la central.
package localdb

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/store"
	"github.com/dropDatabas3/edgesync/internal/store/sqlitedb"
	"github.com/dropDatabas3/edgesync/migrations"
)

// Open abre path y aplica las migraciones del edge.
func Open(ctx context.Context, path string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := sqlitedb.Open(path, log)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate aplica las migraciones pendientes del schema del edge.
func Migrate(ctx context.Context, db *sql.DB) (*store.MigrationResult, error) {
	res, err := store.NewMigrator(migrations.EdgeFS, migrations.EdgeDir).Run(ctx, db, "sqlite")
	if err != nil {
		return res, fmt.Errorf("edge migrations: %w", err)
	}
	return res, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
