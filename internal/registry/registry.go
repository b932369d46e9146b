// Package registry mantiene el registro de edge nodes en la central: alta y
// re-registro, heartbeats, cursores de sincronización y detección de nodos offline.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/cache"
	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

const nodeCachePrefix = "node:"

type Deps struct {
	Nodes      repository.EdgeNodeRepository
	Heartbeats repository.HeartbeatRepository
	Commands   repository.CommandRepository
	// Cache opcional para lookups por server_id.
	Cache    cache.Client
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
}

type Config struct {
	// NodeCacheTTL del lookup por server_id (default 30s).
	NodeCacheTTL time.Duration
}

type Registry struct {
	nodes    repository.EdgeNodeRepository
	beats    repository.HeartbeatRepository
	cmds     repository.CommandRepository
	cache    cache.Client
	notifier notify.Notifier
	clock    clock.Clock
	log      *zap.Logger
	ttl      time.Duration
}

func New(d Deps, cfg Config) (*Registry, error) {
	if d.Nodes == nil || d.Heartbeats == nil || d.Commands == nil {
		return nil, fmt.Errorf("registry: %w", repository.ErrNoDatabase)
	}
	if cfg.NodeCacheTTL <= 0 {
		cfg.NodeCacheTTL = 30 * time.Second
	}
	return &Registry{
		nodes:    d.Nodes,
		beats:    d.Heartbeats,
		cmds:     d.Commands,
		cache:    d.Cache,
		notifier: notify.OrNop(d.Notifier),
		clock:    clock.OrReal(d.Clock),
		log:      logger.OrNamed(d.Logger, "registry"),
		ttl:      cfg.NodeCacheTTL,
	}, nil
}

// Now expone el reloj del registry (lo usan handlers para serverTime).
func (r *Registry) Now() time.Time { return r.clock.Now() }

// ─── Lookup ───

// Lookup devuelve el nodo por server_id, pasando por cache si está configurado.
func (r *Registry) Lookup(ctx context.Context, serverID string) (*repository.EdgeNode, error) {
	if r.cache != nil {
		if n, err := cache.GetJSON[repository.EdgeNode](ctx, r.cache, nodeCachePrefix+serverID); err == nil {
			return n, nil
		}
	}
	n, err := r.nodes.GetByServerID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, n)
	return n, nil
}

func (r *Registry) store(ctx context.Context, n *repository.EdgeNode) {
	if r.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, r.cache, nodeCachePrefix+n.ServerID, n, r.ttl); err != nil {
		r.log.Debug("node cache set failed", logger.ServerID(n.ServerID), logger.Err(err))
	}
}

// Invalidate descarta el nodo cacheado.
func (r *Registry) Invalidate(ctx context.Context, serverID string) {
	if r.cache == nil {
		return
	}
	_ = r.cache.Delete(ctx, nodeCachePrefix+serverID)
}

func (r *Registry) Get(ctx context.Context, instanceID string) (*repository.EdgeNode, error) {
	return r.nodes.GetByInstanceID(ctx, instanceID)
}

func (r *Registry) List(ctx context.Context, status repository.NodeStatus) ([]*repository.EdgeNode, error) {
	return r.nodes.List(ctx, status)
}

// ─── Registro ───

// Registration son los datos que un nodo informa al registrarse.
type Registration struct {
	ServerID          string
	GeoID             string
	Endpoint          string
	HeartbeatInterval int
	Version           string
}

func (in Registration) validate() error {
	if strings.TrimSpace(in.ServerID) == "" || strings.TrimSpace(in.GeoID) == "" {
		return fmt.Errorf("%w: serverId and geoId required", repository.ErrInvalidInput)
	}
	if in.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: heartbeatInterval must be >= 0", repository.ErrInvalidInput)
	}
	return nil
}

// Create da de alta un nodo nuevo con needs_full_sync=true.
func (r *Registry) Create(ctx context.Context, in Registration) (*repository.EdgeNode, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now()
	n := &repository.EdgeNode{
		InstanceID:               uuid.NewString(),
		ServerID:                 in.ServerID,
		GeoID:                    in.GeoID,
		Endpoint:                 in.Endpoint,
		Status:                   repository.NodeActive,
		HeartbeatIntervalSeconds: orDefault(in.HeartbeatInterval),
		NeedsFullSync:            true,
		SyncStatus:               repository.SyncPending,
		Version:                  in.Version,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := r.nodes.Create(ctx, n); err != nil {
		return nil, err
	}
	r.log.Info("edge node registered", logger.ServerID(n.ServerID), logger.InstanceID(n.InstanceID), logger.GeoID(n.GeoID))
	return n, nil
}

// Reregister actualiza los datos de un nodo existente y lo reactiva.
func (r *Registry) Reregister(ctx context.Context, n *repository.EdgeNode, in Registration) (*repository.EdgeNode, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	n.GeoID = in.GeoID
	n.Endpoint = in.Endpoint
	n.HeartbeatIntervalSeconds = orDefault(in.HeartbeatInterval)
	n.Version = in.Version
	n.UpdatedAt = r.clock.Now()
	if err := r.nodes.UpdateRegistration(ctx, n); err != nil {
		return nil, err
	}
	if n.Status != repository.NodeActive {
		if err := r.nodes.SetStatus(ctx, n.InstanceID, repository.NodeActive, n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Status = repository.NodeActive
	}
	r.Invalidate(ctx, n.ServerID)
	r.log.Info("edge node re-registered", logger.ServerID(n.ServerID), logger.InstanceID(n.InstanceID))
	return n, nil
}

func orDefault(secs int) int {
	if secs <= 0 {
		return repository.DefaultHeartbeatInterval
	}
	return secs
}

// ─── Heartbeat ───

// Heartbeat es lo que reporta un nodo periódicamente.
type Heartbeat struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	QueueSize     int
	SyncStatus    repository.SyncStatus
	Version       string
	// ReportedAt es el timestamp del nodo (para estimar latencia).
	ReportedAt time.Time
	Metrics    json.RawMessage
}

// Ack es la respuesta al heartbeat.
type Ack struct {
	ServerTime    time.Time
	NeedsFullSync bool
	Commands      []*repository.NodeCommand
}

// RecordHeartbeat actualiza liveness, agrega el registro al log y entrega los comandos pendientes.
// Un nodo marcado inactive por falta de heartbeats vuelve a active.
func (r *Registry) RecordHeartbeat(ctx context.Context, n *repository.EdgeNode, hb Heartbeat) (*Ack, error) {
	now := r.clock.Now()
	status := hb.SyncStatus
	if status == "" {
		status = repository.SyncIdle
	}
	version := hb.Version
	if version == "" {
		version = n.Version
	}
	if err := r.nodes.UpdateLiveness(ctx, n.InstanceID, repository.Liveness{
		SeenAt:        now,
		SyncQueueSize: hb.QueueSize,
		CPUPercent:    hb.CPUPercent,
		MemoryPercent: hb.MemoryPercent,
		DiskPercent:   hb.DiskPercent,
		SyncStatus:    status,
		Version:       version,
	}); err != nil {
		return nil, fmt.Errorf("registry: liveness: %w", err)
	}
	if n.Status == repository.NodeInactive {
		if err := r.nodes.SetStatus(ctx, n.InstanceID, repository.NodeActive, now); err != nil {
			return nil, err
		}
		r.log.Info("edge node back online", logger.ServerID(n.ServerID))
	}
	r.Invalidate(ctx, n.ServerID)

	var rtt int64
	if !hb.ReportedAt.IsZero() {
		if d := now.Sub(hb.ReportedAt); d > 0 {
			rtt = d.Milliseconds()
		}
	}
	metricsJSON := hb.Metrics
	if len(metricsJSON) == 0 {
		metricsJSON, _ = json.Marshal(map[string]any{
			"cpu": hb.CPUPercent, "memory": hb.MemoryPercent, "disk": hb.DiskPercent, "queueSize": hb.QueueSize,
		})
	}
	if err := r.beats.Append(ctx, &repository.HeartbeatRecord{
		EdgeNodeID:     n.InstanceID,
		Status:         "ok",
		ResponseTimeMs: rtt,
		Metrics:        metricsJSON,
		CreatedAt:      now,
	}); err != nil {
		// el log es informativo; la liveness ya quedó registrada
		r.log.Warn("heartbeat log append failed", logger.ServerID(n.ServerID), logger.Err(err))
	}

	cmds, err := r.cmds.TakePending(ctx, n.InstanceID, now)
	if err != nil {
		return nil, fmt.Errorf("registry: commands: %w", err)
	}
	return &Ack{ServerTime: now, NeedsFullSync: n.NeedsFullSync, Commands: cmds}, nil
}

// History devuelve los últimos heartbeats de un nodo.
func (r *Registry) History(ctx context.Context, instanceID string, limit int) ([]*repository.HeartbeatRecord, error) {
	return r.beats.ListRecent(ctx, instanceID, limit)
}

// ─── Cursores ───

func (r *Registry) MarkFullSync(ctx context.Context, n *repository.EdgeNode, cursor int64) error {
	if err := r.nodes.MarkFullSync(ctx, n.InstanceID, cursor, r.clock.Now()); err != nil {
		return err
	}
	r.Invalidate(ctx, n.ServerID)
	return nil
}

func (r *Registry) MarkCursor(ctx context.Context, n *repository.EdgeNode, cursor int64) error {
	if err := r.nodes.MarkCursor(ctx, n.InstanceID, cursor, r.clock.Now()); err != nil {
		return err
	}
	r.Invalidate(ctx, n.ServerID)
	return nil
}

// RequestFullSync fuerza un full sync en el próximo heartbeat del nodo.
func (r *Registry) RequestFullSync(ctx context.Context, n *repository.EdgeNode) error {
	if err := r.nodes.SetNeedsFullSync(ctx, n.InstanceID, true, r.clock.Now()); err != nil {
		return err
	}
	r.Invalidate(ctx, n.ServerID)
	return nil
}

// SetStatus cambia el estado operativo (p.ej. maintenance desde la CLI).
func (r *Registry) SetStatus(ctx context.Context, n *repository.EdgeNode, status repository.NodeStatus) error {
	if err := r.nodes.SetStatus(ctx, n.InstanceID, status, r.clock.Now()); err != nil {
		return err
	}
	r.Invalidate(ctx, n.ServerID)
	return nil
}

// ─── Comandos ───

// SendCommand encola un comando opaco que el nodo recibe en su próximo heartbeat.
func (r *Registry) SendCommand(ctx context.Context, instanceID, command string, payload json.RawMessage) (*repository.NodeCommand, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: command required", repository.ErrInvalidInput)
	}
	c := &repository.NodeCommand{
		ID:         uuid.NewString(),
		EdgeNodeID: instanceID,
		Command:    command,
		Payload:    payload,
		CreatedAt:  r.clock.Now(),
	}
	if err := r.cmds.Enqueue(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ─── Offline ───

// IsOnline aplica la regla de liveness con el reloj del registry.
func (r *Registry) IsOnline(n *repository.EdgeNode) bool {
	return n.IsOnline(r.clock.Now())
}

// DetectOffline marca inactive los nodos activos que no cumplen la regla de liveness
// y emite NodeOffline por cada uno. Actualiza el gauge edge_nodes_online.
func (r *Registry) DetectOffline(ctx context.Context) ([]*repository.EdgeNode, error) {
	active, err := r.nodes.List(ctx, repository.NodeActive)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	var offline []*repository.EdgeNode
	var errs []error
	online := 0
	for _, n := range active {
		if n.IsOnline(now) {
			online++
			continue
		}
		if err := r.nodes.SetStatus(ctx, n.InstanceID, repository.NodeInactive, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.ServerID, err))
			continue
		}
		r.Invalidate(ctx, n.ServerID)
		n.Status = repository.NodeInactive
		offline = append(offline, n)

		lastSeen := "never"
		if n.LastSeen != nil {
			lastSeen = n.LastSeen.Format(time.RFC3339)
		}
		r.log.Warn("edge node offline", logger.ServerID(n.ServerID), logger.InstanceID(n.InstanceID), zap.String("last_seen", lastSeen))
		if err := r.notifier.Notify(ctx, notify.Event{
			Kind:       notify.NodeOffline,
			Severity:   notify.Warning,
			Message:    fmt.Sprintf("edge node %s offline (last seen %s)", n.ServerID, lastSeen),
			EdgeNodeID: n.InstanceID,
			ServerID:   n.ServerID,
			At:         now,
		}); err != nil {
			r.log.Warn("notify failed", logger.Err(err))
		}
	}
	metrics.EdgeNodesOnline.Set(float64(online))
	return offline, errors.Join(errs...)
}
