// Package agent es el proceso del nodo edge: registro, heartbeat, pull de
// cambios hacia la réplica local y push del outbox, cada uno en su loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/edge/client"
	"github.com/dropDatabas3/edgesync/internal/edge/localdb"
	"github.com/dropDatabas3/edgesync/internal/edge/outbox"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// ErrNotRegistered: no hay secretos locales ni registration token para obtenerlos.
var ErrNotRegistered = errors.New("agent: node not registered and no registration token configured")

// Central es la superficie de la central que usa el agente.
type Central interface {
	Register(ctx context.Context, token, nodeSecret string, req dto.RegisterRequest) (*dto.RegisterResponse, error)
	Rekey(ctx context.Context) (*dto.RekeyResponse, error)
	NodeAuth(ctx context.Context) (*dto.NodeAuthResponse, error)
	Heartbeat(ctx context.Context, req dto.HeartbeatRequest) (*dto.HeartbeatResponse, error)
	FullSync(ctx context.Context, entities []string) (*dto.FullSyncResponse, error)
	Changes(ctx context.Context, since int64, limit int) (*dto.ChangesResponse, error)
}

// Runner es un loop de fondo (pusher, scheduler de mantenimiento).
type Runner interface {
	Run(ctx context.Context) error
}

type Config struct {
	ServerID          string
	GeoID             string
	Endpoint          string
	Version           string
	RegistrationToken string
	Entities          []string
	HeartbeatInterval time.Duration // default 5m
	PullInterval      time.Duration // default 30s
	PullLimit         int           // default 500
}

type Deps struct {
	State   *localdb.State
	Replica *localdb.Replica
	Outbox  *outbox.Store
	Central Central
	Sampler Sampler
	Clock   clock.Clock
	Logger  *zap.Logger
	// Loops adicionales que corren junto a heartbeat y pull.
	Runners []Runner
}

// Agent coordina el estado local del edge con la central.
type Agent struct {
	state   *localdb.State
	replica *localdb.Replica
	outbox  *outbox.Store
	central Central
	sampler Sampler
	clock   clock.Clock
	log     *zap.Logger
	runners []Runner
	cfg     Config

	needsFull  atomic.Bool
	syncStatus atomic.Value // string
}

func New(d Deps, cfg Config) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 30 * time.Second
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = 500
	}
	if d.Sampler == nil {
		d.Sampler = SystemSampler{}
	}
	a := &Agent{
		state:   d.State,
		replica: d.Replica,
		outbox:  d.Outbox,
		central: d.Central,
		sampler: d.Sampler,
		clock:   clock.OrReal(d.Clock),
		log:     logger.OrNamed(d.Logger, "agent"),
		runners: d.Runners,
		cfg:     cfg,
	}
	a.syncStatus.Store(string(repository.SyncIdle))
	return a
}

// ─── Secretos locales ───

func secretKey(t repository.SecretType) (string, error) {
	switch t {
	case repository.SecretTypeSync:
		return localdb.KeySync, nil
	case repository.SecretTypeNodeAuth:
		return localdb.KeyNodeAuth, nil
	}
	return "", fmt.Errorf("agent: unsupported secret type %q", t)
}

// Secret implementa client.SecretProvider sobre edge_state.
func (a *Agent) Secret(ctx context.Context, t repository.SecretType) (string, error) {
	key, err := secretKey(t)
	if err != nil {
		return "", err
	}
	return a.state.GetSecret(ctx, key)
}

// Registered reporta si hay un secreto sync guardado.
func (a *Agent) Registered(ctx context.Context) (bool, error) {
	_, err := a.state.Get(ctx, localdb.KeySync)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Bootstrap registra el nodo si todavía no tiene secretos. Un nodo que ya
// tiene node_auth (re-registro) lo presenta como X-Node-Secret.
func (a *Agent) Bootstrap(ctx context.Context) error {
	ok, err := a.Registered(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if a.cfg.RegistrationToken == "" {
		return ErrNotRegistered
	}
	return a.Register(ctx)
}

// Register llama a /sync/register y guarda identidad y secretos.
func (a *Agent) Register(ctx context.Context) error {
	nodeSecret, err := a.Secret(ctx, repository.SecretTypeNodeAuth)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("read node_auth: %w", err)
	}
	resp, err := a.central.Register(ctx, a.cfg.RegistrationToken, nodeSecret, dto.RegisterRequest{
		ServerID:          a.cfg.ServerID,
		GeoID:             a.cfg.GeoID,
		Endpoint:          a.cfg.Endpoint,
		HeartbeatInterval: int(a.cfg.HeartbeatInterval / time.Second),
		Version:           a.cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := a.state.Set(ctx, localdb.KeyInstanceID, resp.InstanceID); err != nil {
		return err
	}
	if resp.Secrets.NodeAuth != "" {
		if err := a.storeNodeAuth(ctx, resp.Secrets.NodeAuth, resp.NodeAuthSecretID); err != nil {
			return err
		}
	}
	if err := a.storeSync(ctx, resp.Secrets.Sync, resp.ExpiresAt); err != nil {
		return err
	}
	// un nodo recién registrado arranca con full sync
	a.needsFull.Store(true)
	a.log.Info("node registered", logger.InstanceID(resp.InstanceID), logger.Bool("reregistered", resp.Reregistered))
	return nil
}

// Rekey recupera el secreto sync vigente firmando con node_auth.
func (a *Agent) Rekey(ctx context.Context) error {
	resp, err := a.central.Rekey(ctx)
	if err != nil {
		return fmt.Errorf("rekey: %w", err)
	}
	if err := a.storeSync(ctx, resp.Sync, resp.ExpiresAt); err != nil {
		return err
	}
	a.log.Info("sync secret refreshed", logger.SecretID(resp.SecretID))
	return nil
}

// RefreshNodeAuth recupera el node_auth vigente firmando con sync. Se usa
// cuando la central rotó node_auth (el id del heartbeat no coincide).
func (a *Agent) RefreshNodeAuth(ctx context.Context) error {
	resp, err := a.central.NodeAuth(ctx)
	if err != nil {
		return fmt.Errorf("node_auth refresh: %w", err)
	}
	if resp.NodeAuth == "" {
		return errors.New("agent: central returned an empty node_auth secret")
	}
	if err := a.storeNodeAuth(ctx, resp.NodeAuth, resp.SecretID); err != nil {
		return err
	}
	a.log.Info("node_auth secret refreshed", logger.SecretID(resp.SecretID))
	return nil
}

func (a *Agent) storeNodeAuth(ctx context.Context, secret, id string) error {
	if err := a.state.SetSecret(ctx, localdb.KeyNodeAuth, secret); err != nil {
		return err
	}
	return a.state.Set(ctx, localdb.KeyNodeAuthID, id)
}

func (a *Agent) storeSync(ctx context.Context, secret string, expiresAt time.Time) error {
	if secret == "" {
		return errors.New("agent: central returned an empty sync secret")
	}
	if err := a.state.SetSecret(ctx, localdb.KeySync, secret); err != nil {
		return err
	}
	return a.state.Set(ctx, localdb.KeySecretExpiry, expiresAt.UTC().Format(time.RFC3339))
}

// InstanceID devuelve el id asignado por la central ("" antes del registro).
func (a *Agent) InstanceID(ctx context.Context) string {
	id, _ := a.state.Get(ctx, localdb.KeyInstanceID)
	return id
}

// ─── Escrituras locales ───

// Record aplica un cambio local a la réplica y lo encola para la central.
func (a *Agent) Record(ctx context.Context, op, entity, entityID string, data json.RawMessage, priority int) (*outbox.Entry, error) {
	e, err := a.outbox.Enqueue(ctx, op, entity, entityID, data, priority)
	if err != nil {
		return nil, err
	}
	rec := &localdb.Record{
		Entity:     entity,
		EntityID:   entityID,
		GeoID:      a.cfg.GeoID,
		Payload:    data,
		Deleted:    op == dto.OpDelete,
		SourceTS:   e.SourceTS,
		SourceNode: a.cfg.ServerID,
		SourceSeq:  e.Seq,
	}
	if _, err := a.replica.Apply(ctx, rec); err != nil {
		return e, fmt.Errorf("replica apply: %w", err)
	}
	return e, nil
}

// ─── Loops ───

// Run registra el nodo y corre heartbeat, pull y los runners hasta que ctx se cancela.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Bootstrap(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop(ctx, "heartbeat", a.cfg.HeartbeatInterval, a.Heartbeat) })
	g.Go(func() error { return a.loop(ctx, "pull", a.cfg.PullInterval, a.Pull) })
	for _, r := range a.runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	a.log.Info("edge agent started", logger.ServerID(a.cfg.ServerID), logger.GeoID(a.cfg.GeoID))
	err := g.Wait()
	a.log.Info("edge agent stopped")
	return err
}

// loop corre fn ya y después cada interval. Los errores se loguean; un 401
// bad_signature dispara un rekey antes de la siguiente vuelta.
func (a *Agent) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ctx = logger.Enrich(logger.ToContext(ctx, a.log), logger.Op(name))
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn(name+" failed", logger.Err(err))
			if client.IsBadSignature(err) {
				if rkErr := a.Rekey(ctx); rkErr != nil {
					a.log.Error("rekey failed", logger.Err(rkErr))
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(interval):
		}
	}
}
