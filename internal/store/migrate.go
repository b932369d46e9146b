package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// Las migraciones SQL se embeben en el binario (ver paquete migrations).
// Formato de archivo: {version}_{name}.sql (ej: 0001_init.sql)

// Migrator aplica migraciones SQL a una base de datos.
type Migrator struct {
	migrationsFS  fs.FS
	migrationsDir string
	log           *zap.Logger
}

// NewMigrator crea un nuevo Migrator.
func NewMigrator(migrationsFS fs.FS, migrationsDir string) *Migrator {
	return &Migrator{
		migrationsFS:  migrationsFS,
		migrationsDir: migrationsDir,
		log:           logger.Named("migrate"),
	}
}

// Migration representa una migración individual.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationResult resultado de aplicar migraciones.
type MigrationResult struct {
	Applied  []int
	Skipped  []int
	Failed   *int
	Error    error
	Duration time.Duration
}

// migrationFilePattern patrón para nombres de archivo de migración.
var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

// ParseMigrations lee y parsea las migraciones del FS embebido.
func (m *Migrator) ParseMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.migrationsFS, m.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.migrationsDir, err)
	}

	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matches := migrationFilePattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue // Ignorar archivos que no coinciden
		}
		version, _ := strconv.Atoi(matches[1])

		content, err := fs.ReadFile(m.migrationsFS, path.Join(m.migrationsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: matches[2], SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Run aplica migraciones pendientes. Cada migración corre en su propia transacción.
// driver: "postgres" | "sqlite".
func (m *Migrator) Run(ctx context.Context, db *sql.DB, driver string) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{}
	fail := func(err error) (*MigrationResult, error) {
		result.Error = err
		result.Duration = time.Since(start)
		return result, err
	}

	if _, err := db.ExecContext(ctx, migrationsTableSQL(driver)); err != nil {
		return fail(fmt.Errorf("creating migrations table: %w", err))
	}

	applied, err := m.appliedVersions(ctx, db)
	if err != nil {
		return fail(fmt.Errorf("getting applied migrations: %w", err))
	}

	migrations, err := m.ParseMigrations()
	if err != nil {
		return fail(fmt.Errorf("parsing migrations: %w", err))
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			result.Skipped = append(result.Skipped, mig.Version)
			continue
		}
		m.log.Info("applying migration", zap.Int("version", mig.Version), zap.String("name", mig.Name))
		if err := m.apply(ctx, db, driver, mig); err != nil {
			v := mig.Version
			result.Failed = &v
			return fail(fmt.Errorf("applying migration %d_%s: %w", mig.Version, mig.Name, err))
		}
		result.Applied = append(result.Applied, mig.Version)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// HasPending verifica si hay migraciones pendientes.
func (m *Migrator) HasPending(ctx context.Context, db *sql.DB, driver string) (bool, error) {
	if _, err := db.ExecContext(ctx, migrationsTableSQL(driver)); err != nil {
		return false, err
	}
	applied, err := m.appliedVersions(ctx, db)
	if err != nil {
		return false, err
	}
	migrations, err := m.ParseMigrations()
	if err != nil {
		return false, err
	}
	for _, mig := range migrations {
		if !applied[mig.Version] {
			return true, nil
		}
	}
	return false, nil
}

func migrationsTableSQL(driver string) string {
	if driver == "postgres" {
		return `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				applied_at TIMESTAMPTZ DEFAULT NOW()
			)`
	}
	return `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
}

func (m *Migrator) appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, db *sql.DB, driver string, mig Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return err
	}
	insert := `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`
	if driver == "postgres" {
		insert = `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`
	}
	if _, err := tx.ExecContext(ctx, insert, mig.Version, mig.Name); err != nil {
		return err
	}
	return tx.Commit()
}
