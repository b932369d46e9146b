// Package store provee el registry de adaptadores de base de datos.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// Adapter representa un adaptador de base de datos capaz de crear repositorios.
type Adapter interface {
	// Name retorna el nombre del adapter (ej: "postgres", "sqlite").
	Name() string

	// Connect establece conexión con el almacenamiento.
	Connect(ctx context.Context, cfg AdapterConfig) (AdapterConnection, error)
}

// AdapterConnection representa una conexión activa.
// Provee acceso a los repositorios implementados por el adapter.
type AdapterConnection interface {
	// Name retorna el nombre del adapter.
	Name() string

	// Ping verifica la conexión.
	Ping(ctx context.Context) error

	// Close cierra la conexión.
	Close() error

	// Migrate aplica el schema embebido del driver.
	Migrate(ctx context.Context) (*MigrationResult, error)

	// ─── Repositorios ───

	Secrets() repository.SecretRepository
	Nodes() repository.EdgeNodeRepository
	Heartbeats() repository.HeartbeatRepository
	Records() repository.RecordRepository
	Commands() repository.CommandRepository
	Audit() repository.AuditRepository
}

// AdapterConfig configuración para conectar a un almacenamiento.
type AdapterConfig struct {
	// Name del adapter: "postgres", "sqlite"
	Name string

	// DSN connection string (postgres) o path del archivo (sqlite)
	DSN string

	// Pool settings
	MaxOpenConns int
	MaxIdleConns int
}

// ─── Registry Global ───

var (
	registryMu sync.RWMutex
	adapters   = make(map[string]Adapter)
)

// RegisterAdapter registra un adapter en el registry global.
// Llamar en init() de cada adapter.
func RegisterAdapter(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := adapters[a.Name()]; dup {
		panic(fmt.Sprintf("store: adapter %q registered twice", a.Name()))
	}
	adapters[a.Name()] = a
}

// GetAdapter obtiene un adapter por nombre.
func GetAdapter(name string) (Adapter, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := adapters[name]
	return a, ok
}

// ListAdapters retorna los nombres de todos los adapters registrados, ordenados.
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(adapters))
	for n := range adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// OpenAdapter resuelve el adapter de cfg.Name, conecta y hace un ping inicial.
// Si el ping falla la conexión se cierra antes de devolver el error.
func OpenAdapter(ctx context.Context, cfg AdapterConfig) (AdapterConnection, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("store: adapter name required: %w", repository.ErrInvalidInput)
	}
	a, ok := GetAdapter(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("store: adapter %q not registered (known: %v)", cfg.Name, ListAdapters())
	}
	conn, err := a.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", cfg.Name, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("store: adapter %s returned no connection", cfg.Name)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Name, err)
	}
	return conn, nil
}
