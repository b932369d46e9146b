package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/registry"
	"github.com/dropDatabas3/edgesync/internal/secrets"
	"go.uber.org/zap"
)

// SyncService define las operaciones autenticadas por el gate HMAC.
// El nodo llega ya resuelto desde el contexto del request.
type SyncService interface {
	Heartbeat(ctx context.Context, n *repository.EdgeNode, req dto.HeartbeatRequest) (*dto.HeartbeatResponse, error)
	Status(ctx context.Context, n *repository.EdgeNode) (*dto.StatusResponse, error)
	FullSync(ctx context.Context, n *repository.EdgeNode, req dto.FullSyncRequest) (*dto.FullSyncResponse, error)
	Changes(ctx context.Context, n *repository.EdgeNode, since int64, limit int) (*dto.ChangesResponse, error)
	Push(ctx context.Context, n *repository.EdgeNode, req dto.PushRequest) (*dto.PushResponse, error)
	Item(ctx context.Context, n *repository.EdgeNode, req dto.ItemRequest) (*dto.ItemResponse, error)
}

type syncService struct {
	deps Deps
	cfg  Config
}

// NewSyncService crea el service del protocolo.
func NewSyncService(d Deps, cfg Config) SyncService {
	return &syncService{deps: d, cfg: cfg.withDefaults()}
}

const componentSync = "sync"

func (s *syncService) log(ctx context.Context, op string) *zap.Logger {
	return logger.From(ctx).With(logger.Layer("service"), logger.Component(componentSync), logger.Op(op))
}

// ─── Heartbeat / Status ───

func (s *syncService) Heartbeat(ctx context.Context, n *repository.EdgeNode, req dto.HeartbeatRequest) (*dto.HeartbeatResponse, error) {
	hb := registry.Heartbeat{
		CPUPercent:    req.Metrics.CPU,
		MemoryPercent: req.Metrics.Memory,
		DiskPercent:   req.Metrics.Disk,
		QueueSize:     req.QueueSize,
		SyncStatus:    repository.SyncStatus(req.SyncStatus),
		Version:       req.Version,
	}
	if req.Timestamp != nil {
		hb.ReportedAt = *req.Timestamp
	}
	ack, err := s.deps.Registry.RecordHeartbeat(ctx, n, hb)
	if err != nil {
		return nil, err
	}

	cmds := make([]dto.Command, 0, len(ack.Commands))
	for _, c := range ack.Commands {
		cmds = append(cmds, dto.Command{ID: c.ID, Command: c.Command, Payload: c.Payload, CreatedAt: c.CreatedAt})
	}
	if len(cmds) > 0 {
		s.log(ctx, "Heartbeat").Info("commands delivered", logger.Count(len(cmds)))
	}
	return &dto.HeartbeatResponse{
		Success:          true,
		ServerTime:       ack.ServerTime,
		NeedsFullSync:    ack.NeedsFullSync,
		Commands:         cmds,
		NodeAuthSecretID: s.activeNodeAuthID(ctx, n),
	}, nil
}

// activeNodeAuthID devuelve el id del node_auth vigente, "" si no hay o no se pudo leer.
func (s *syncService) activeNodeAuthID(ctx context.Context, n *repository.EdgeNode) string {
	_, sec, err := s.deps.Secrets.ActiveSecret(ctx, repository.SecretTypeNodeAuth, n.InstanceID)
	switch {
	case err == nil:
		return sec.ID
	case errors.Is(err, secrets.ErrSecretExpired), repository.IsNotFound(err):
	default:
		s.log(ctx, "Heartbeat").Warn("node_auth lookup failed", logger.Err(err))
	}
	return ""
}

func (s *syncService) Status(ctx context.Context, n *repository.EdgeNode) (*dto.StatusResponse, error) {
	now := s.deps.Clock.Now()
	resp := &dto.StatusResponse{
		Success:       true,
		InstanceID:    n.InstanceID,
		ServerID:      n.ServerID,
		GeoID:         n.GeoID,
		Status:        string(n.Status),
		SyncStatus:    string(n.SyncStatus),
		LastSeen:      n.LastSeen,
		LastFullSync:  n.LastFullSync,
		LastSyncAt:    n.LastSyncAt,
		LastCursor:    n.LastCursor,
		NeedsFullSync: n.NeedsFullSync,
		ServerTime:    now,
	}

	// El gate ya validó con este secreto; un vencido solo puede aparecer por carrera.
	_, sec, err := s.deps.Secrets.ActiveSecret(ctx, repository.SecretTypeSync, n.InstanceID)
	if err != nil && !errors.Is(err, secrets.ErrSecretExpired) {
		return nil, err
	}
	if sec != nil {
		class, days := secrets.Classify(sec.ExpiresAt, now, s.cfg.Thresholds)
		exp := sec.ExpiresAt
		resp.SecretExpiresAt = &exp
		resp.SecretDaysLeft = &days
		resp.SecretExpiryRisk = string(class)
	}
	return resp, nil
}

// ─── Pull ───

func (s *syncService) scope(n *repository.EdgeNode, entities []string) repository.RecordScope {
	clean := make([]string, 0, len(entities))
	for _, e := range entities {
		if e = strings.TrimSpace(e); e != "" {
			clean = append(clean, e)
		}
	}
	return repository.RecordScope{GeoID: n.GeoID, Entities: clean}
}

func (s *syncService) FullSync(ctx context.Context, n *repository.EdgeNode, req dto.FullSyncRequest) (*dto.FullSyncResponse, error) {
	recs, cursor, err := s.deps.Records.Snapshot(ctx, s.scope(n, req.Entities))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if err := s.deps.Registry.MarkFullSync(ctx, n, cursor); err != nil {
		return nil, err
	}
	s.log(ctx, "FullSync").Info("full sync served", logger.Count(len(recs)), logger.Cursor(cursor))
	return &dto.FullSyncResponse{
		Success:    true,
		Records:    toRecords(recs),
		Cursor:     cursor,
		ServerTime: s.deps.Clock.Now(),
	}, nil
}

func (s *syncService) Changes(ctx context.Context, n *repository.EdgeNode, since int64, limit int) (*dto.ChangesResponse, error) {
	if since < 0 {
		since = 0
	}
	if limit <= 0 {
		limit = s.cfg.PullLimit
	}
	if limit > s.cfg.MaxPullLimit {
		limit = s.cfg.MaxPullLimit
	}

	// Se pide uno más para saber si quedan pendientes.
	recs, err := s.deps.Records.ListSince(ctx, s.scope(n, nil), since, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list since: %w", err)
	}
	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}
	cursor := since
	if len(recs) > 0 {
		cursor = recs[len(recs)-1].Seq
	}
	if err := s.deps.Registry.MarkCursor(ctx, n, cursor); err != nil {
		return nil, err
	}
	return &dto.ChangesResponse{
		Success: true,
		Changes: toRecords(recs),
		Cursor:  cursor,
		HasMore: hasMore,
	}, nil
}

// ─── Push ───

// resolveGeo admite el geo del nodo o vacío (se asume el del nodo).
func resolveGeo(n *repository.EdgeNode, geoID string) (string, error) {
	geoID = strings.TrimSpace(geoID)
	if geoID == "" {
		return n.GeoID, nil
	}
	if geoID != n.GeoID {
		return "", fmt.Errorf("%w: %q", ErrGeoMismatch, geoID)
	}
	return geoID, nil
}

func (s *syncService) Push(ctx context.Context, n *repository.EdgeNode, req dto.PushRequest) (*dto.PushResponse, error) {
	log := s.log(ctx, "Push")
	entity := strings.TrimSpace(req.Entity)
	if entity == "" || len(req.Changes) == 0 {
		return nil, fmt.Errorf("%w: entity and changes", ErrMissingFields)
	}
	if len(req.Changes) > s.cfg.MaxPushItems {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyChanges, len(req.Changes), s.cfg.MaxPushItems)
	}
	geoID, err := resolveGeo(n, req.GeoID)
	if err != nil {
		return nil, err
	}

	now := s.deps.Clock.Now()
	horizon := now.Add(s.cfg.MaxClockSkew)
	results := make([]dto.ItemResult, 0, len(req.Changes))
	var cursor int64

	for _, ch := range req.Changes {
		res := dto.ItemResult{ID: ch.ID}
		in, err := newIncoming(n, entity, geoID, ch.Operation, ch.ID, ch.Data, ch.Timestamp, ch.Seq, now)
		switch {
		case err != nil:
			res.Reason = dto.ReasonInvalid
		case in.rec.SourceTS.After(horizon):
			res.Reason = dto.ReasonClockSkew
		default:
			var reason string
			rec, written, err := s.deps.Records.Apply(ctx, entity, ch.ID, pushDecision(in, &reason))
			if err != nil {
				// Un error de storage corta el batch: el edge reintenta todo el grupo.
				return nil, fmt.Errorf("apply %s/%s: %w", entity, ch.ID, err)
			}
			res.Accepted = true
			res.Applied = written
			res.Reason = reason
			if written && rec.Seq > cursor {
				cursor = rec.Seq
			}
		}
		metrics.SyncPushItems.WithLabelValues(res.Reason).Inc()
		results = append(results, res)
	}

	log.Debug("push applied", logger.Entity(entity), logger.Count(len(results)), logger.Cursor(cursor))
	return &dto.PushResponse{Success: true, Results: results, Cursor: cursor}, nil
}

func (s *syncService) Item(ctx context.Context, n *repository.EdgeNode, req dto.ItemRequest) (*dto.ItemResponse, error) {
	entity := strings.TrimSpace(req.Entity)
	if entity == "" {
		return nil, fmt.Errorf("%w: entity", ErrMissingFields)
	}
	geoID, err := resolveGeo(n, req.GeoID)
	if err != nil {
		return nil, err
	}
	now := s.deps.Clock.Now()
	in, err := newIncoming(n, entity, geoID, req.Operation, req.ID, req.Data, req.Timestamp, req.Seq, now)
	if err != nil {
		return nil, err
	}
	if in.rec.SourceTS.After(now.Add(s.cfg.MaxClockSkew)) {
		metrics.SyncPushItems.WithLabelValues(dto.ReasonClockSkew).Inc()
		return nil, ErrClockSkew
	}

	rec, written, err := s.deps.Records.Apply(ctx, entity, req.ID, itemDecision(in))
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			metrics.SyncPushItems.WithLabelValues("conflict").Inc()
			s.log(ctx, "Item").Info("item conflict", logger.Entity(entity), logger.EntityID(req.ID), logger.Err(err))
		}
		return nil, err
	}
	reason := dto.ReasonApplied
	if !written {
		reason = dto.ReasonDuplicate
	}
	metrics.SyncPushItems.WithLabelValues(reason).Inc()
	return &dto.ItemResponse{Success: true, Applied: written, Record: toRecord(rec)}, nil
}
