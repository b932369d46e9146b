// Package sqlite implementa el adapter de la central sobre SQLite (mattn/go-sqlite3).
//
// Pensado para desarrollo, tests y despliegues chicos. Las transacciones son
// BEGIN IMMEDIATE (ver sqlitedb.DSN): toman el lock de escritura al abrir, así
// que una activación de secreto o un Apply de registro quedan serializados.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/store"
	"github.com/dropDatabas3/edgesync/internal/store/sqlitedb"
	"github.com/dropDatabas3/edgesync/migrations"
)

func init() {
	store.RegisterAdapter(&sqliteAdapter{})
}

type sqliteAdapter struct{}

func (a *sqliteAdapter) Name() string { return "sqlite" }

func (a *sqliteAdapter) Connect(ctx context.Context, cfg store.AdapterConfig) (store.AdapterConnection, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite: %w", repository.ErrNoDatabase)
	}
	db, err := sqlitedb.Open(cfg.DSN, logger.Named("sqlite").Sugar())
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	return New(db), nil
}

// Connection implementa store.AdapterConnection sobre un *sql.DB.
type Connection struct {
	db *sql.DB
}

// New envuelve un *sql.DB ya abierto (tests, CLI).
func New(db *sql.DB) *Connection {
	return &Connection{db: db}
}

func (c *Connection) Name() string { return "sqlite" }

func (c *Connection) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Connection) Close() error { return c.db.Close() }

// DB expone el handle subyacente.
func (c *Connection) DB() *sql.DB { return c.db }

// Collector expone sql.DBStats para /metrics.
func (c *Connection) Collector() prometheus.Collector {
	return metrics.NewSQLStatsCollector(c.db, "central")
}

func (c *Connection) Migrate(ctx context.Context) (*store.MigrationResult, error) {
	return store.NewMigrator(migrations.SQLiteFS, migrations.SQLiteDir).Run(ctx, c.db, "sqlite")
}

func (c *Connection) Secrets() repository.SecretRepository       { return &secretRepo{db: c.db} }
func (c *Connection) Nodes() repository.EdgeNodeRepository       { return &nodeRepo{db: c.db} }
func (c *Connection) Heartbeats() repository.HeartbeatRepository { return &heartbeatRepo{db: c.db} }
func (c *Connection) Records() repository.RecordRepository       { return &recordRepo{db: c.db} }
func (c *Connection) Commands() repository.CommandRepository     { return &commandRepo{db: c.db} }
func (c *Connection) Audit() repository.AuditRepository          { return &auditRepo{db: c.db} }

// Compile-time check
var _ store.AdapterConnection = (*Connection)(nil)

// querier abstrae *sql.DB y *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner abstrae *sql.Row y *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
