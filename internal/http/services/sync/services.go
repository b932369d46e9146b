// Package sync contiene los services del protocolo de sincronización central/edge.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/registry"
	"github.com/dropDatabas3/edgesync/internal/secrets"
	"github.com/dropDatabas3/edgesync/internal/security/regtoken"
)

// Errores del service. El controller los traduce a AppError.
var (
	ErrMissingFields     = errors.New("missing required fields")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidPayload    = errors.New("payload is not valid json")
	ErrGeoMismatch       = errors.New("geo does not match node")
	ErrTooManyChanges    = errors.New("too many changes in batch")
	ErrClockSkew         = errors.New("timestamp too far in the future")
	ErrInvalidToken      = errors.New("invalid registration token")
	ErrInvalidNodeSecret = errors.New("invalid node secret")
)

// NodeRegistry es lo que los services usan del registry de edge nodes.
type NodeRegistry interface {
	Now() time.Time
	Lookup(ctx context.Context, serverID string) (*repository.EdgeNode, error)
	Create(ctx context.Context, in registry.Registration) (*repository.EdgeNode, error)
	Reregister(ctx context.Context, n *repository.EdgeNode, in registry.Registration) (*repository.EdgeNode, error)
	RecordHeartbeat(ctx context.Context, n *repository.EdgeNode, hb registry.Heartbeat) (*registry.Ack, error)
	MarkFullSync(ctx context.Context, n *repository.EdgeNode, cursor int64) error
	MarkCursor(ctx context.Context, n *repository.EdgeNode, cursor int64) error
}

// SecretManager es el subconjunto del ciclo de vida de secretos que usa el protocolo.
type SecretManager interface {
	RegisterEdgeNode(ctx context.Context, edgeNodeID, geoID string) (map[repository.SecretType]*secrets.GeneratedSecret, error)
	ValidateSecret(ctx context.Context, t repository.SecretType, candidate []byte, edgeNodeID string) (bool, error)
	RotateSecret(ctx context.Context, t repository.SecretType, edgeNodeID, actor string, reason repository.RotationReason) (*secrets.RotationResult, error)
	ActiveSecret(ctx context.Context, t repository.SecretType, edgeNodeID string) ([]byte, *repository.SharedSecret, error)
	RevealActive(ctx context.Context, t repository.SecretType, edgeNodeID, actor string) (string, *repository.SharedSecret, error)
	MarkUsed(secretID string)
}

// TokenVerifier valida tokens de registro.
type TokenVerifier interface {
	Verify(token, serverID, geoID string) (*regtoken.Claims, error)
}

// Deps contiene las dependencias inyectables de los services de sync.
type Deps struct {
	Registry NodeRegistry
	Secrets  SecretManager
	Records  repository.RecordRepository
	Tokens   TokenVerifier
	Clock    clock.Clock
}

// Config ajusta límites del protocolo.
type Config struct {
	// MaxClockSkew es cuánto en el futuro puede estar el timestamp de un cambio.
	MaxClockSkew time.Duration
	PullLimit    int
	MaxPullLimit int
	MaxPushItems int
	Thresholds   secrets.Thresholds
}

const (
	defaultClockSkew    = 5 * time.Minute
	defaultPullLimit    = 500
	defaultMaxPullLimit = 1000
	defaultMaxPushItems = 1000
)

func (c Config) withDefaults() Config {
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = defaultClockSkew
	}
	if c.PullLimit <= 0 {
		c.PullLimit = defaultPullLimit
	}
	if c.MaxPullLimit <= 0 {
		c.MaxPullLimit = defaultMaxPullLimit
	}
	if c.PullLimit > c.MaxPullLimit {
		c.PullLimit = c.MaxPullLimit
	}
	if c.MaxPushItems <= 0 {
		c.MaxPushItems = defaultMaxPushItems
	}
	return c
}

// Services agrupa todos los services del dominio sync.
type Services struct {
	Sync     SyncService
	Register RegisterService
}

// NewServices crea el agregador de services sync.
func NewServices(d Deps, cfg Config) Services {
	cfg = cfg.withDefaults()
	d.Clock = clock.OrReal(d.Clock)
	return Services{
		Sync:     NewSyncService(d, cfg),
		Register: NewRegisterService(d),
	}
}
