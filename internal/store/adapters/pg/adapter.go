// Package pg implementa el adapter PostgreSQL de la central.
// Usa pgxpool directamente; las migraciones corren vía pgx/stdlib sobre el mismo pool.
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/store"
	"github.com/dropDatabas3/edgesync/migrations"
)

func init() {
	store.RegisterAdapter(&postgresAdapter{})
}

type postgresAdapter struct{}

func (a *postgresAdapter) Name() string { return "postgres" }

// Connect crea un *pgxpool.Pool aplicando parámetros básicos.
// pgxpool no tiene MaxOpen/MaxIdle: MaxOpenConns → MaxConns, MaxIdleConns → MinConns.
func (a *postgresAdapter) Connect(ctx context.Context, cfg store.AdapterConfig) (store.AdapterConnection, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: %w", repository.ErrNoDatabase)
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pgxpool config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pcfg.MinConns = int32(cfg.MaxIdleConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pgxpool: %w", err)
	}
	// Conectar para fallar rápido si hay problema
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxpool ping: %w", err)
	}
	return &Connection{pool: pool}, nil
}

// Connection implementa store.AdapterConnection sobre pgxpool.
type Connection struct {
	pool *pgxpool.Pool
}

func (c *Connection) Name() string { return "postgres" }

// Pool expone el pool pgx (métricas).
func (c *Connection) Pool() *pgxpool.Pool { return c.pool }

// Collector expone las estadísticas del pool para /metrics.
func (c *Connection) Collector() prometheus.Collector {
	return metrics.NewPGPoolCollector(c.Pool)
}

func (c *Connection) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

func (c *Connection) Close() error {
	c.pool.Close()
	return nil
}

func (c *Connection) Migrate(ctx context.Context) (*store.MigrationResult, error) {
	db := stdlib.OpenDBFromPool(c.pool)
	defer db.Close()
	return store.NewMigrator(migrations.PostgresFS, migrations.PostgresDir).Run(ctx, db, "postgres")
}

func (c *Connection) Secrets() repository.SecretRepository       { return &secretRepo{pool: c.pool} }
func (c *Connection) Nodes() repository.EdgeNodeRepository       { return &nodeRepo{pool: c.pool} }
func (c *Connection) Heartbeats() repository.HeartbeatRepository { return &heartbeatRepo{pool: c.pool} }
func (c *Connection) Records() repository.RecordRepository       { return &recordRepo{pool: c.pool} }
func (c *Connection) Commands() repository.CommandRepository     { return &commandRepo{pool: c.pool} }
func (c *Connection) Audit() repository.AuditRepository          { return &auditRepo{pool: c.pool} }

// Compile-time check
var _ store.AdapterConnection = (*Connection)(nil)

// querier abstrae *pgxpool.Pool y pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// lockKey toma un advisory lock transaccional sobre key.
// Se libera solo en COMMIT/ROLLBACK.
func lockKey(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}
