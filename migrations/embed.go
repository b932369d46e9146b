// Package migrations embeds SQL migration files.
//
// Formato de archivo: {version}_{name}.sql (ej: 0001_init.sql).
package migrations

import "embed"

// PostgresFS contiene el schema de la central sobre PostgreSQL.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// SQLiteFS contiene el schema de la central sobre SQLite (dev, tests).
//
//go:embed sqlite/*.sql
var SQLiteFS embed.FS

// EdgeFS contiene el schema local de un edge node (outbox, réplica, estado).
//
//go:embed edge/*.sql
var EdgeFS embed.FS

// Directorios dentro de cada FS.
const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
	EdgeDir     = "edge"
)
