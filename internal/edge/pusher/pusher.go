// Package pusher drena el outbox hacia la central: un /sync/push firmado por
// entidad y por lote, con reintentos y rekey cuando la central rotó el secreto.
package pusher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/edge/client"
	"github.com/dropDatabas3/edgesync/internal/edge/outbox"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// Queue es lo que el pusher usa del outbox.
type Queue interface {
	ClaimBatch(ctx context.Context, limit int) ([]*outbox.Entry, error)
	MarkCompleted(ctx context.Context, ids ...int64) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	MarkRetry(ctx context.Context, id int64, cause string) (outbox.Status, error)
	Release(ctx context.Context, cause string, ids ...int64) error
}

// Central envía un lote.
type Central interface {
	Push(ctx context.Context, req dto.PushRequest) (*dto.PushResponse, error)
}

// Rekeyer recupera el secreto sync vigente (firmando con node_auth).
type Rekeyer interface {
	Rekey(ctx context.Context) error
}

// Config del pusher.
type Config struct {
	Interval  time.Duration // default 5s
	BatchSize int           // default 100
	GeoID     string
	ServerID  string
}

type Deps struct {
	Queue    Queue
	Central  Central
	Rekeyer  Rekeyer
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Pusher no es reentrante: un solo loop por proceso.
type Pusher struct {
	queue   Queue
	central Central
	rekeyer Rekeyer
	notify  notify.Notifier
	clock   clock.Clock
	log     *zap.Logger
	cfg     Config
}

func New(d Deps, cfg Config) *Pusher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Pusher{
		queue:   d.Queue,
		central: d.Central,
		rekeyer: d.Rekeyer,
		notify:  notify.OrNop(d.Notifier),
		clock:   clock.OrReal(d.Clock),
		log:     logger.OrNamed(d.Logger, "pusher"),
		cfg:     cfg,
	}
}

// Result resume una pasada.
type Result struct {
	Claimed   int
	Completed int
	Retried   int
	Failed    int
	Dead      int
	// Released son filas devueltas a pending sin consumir reintento
	// (el lote falló por un secreto rotado y el rekey funcionó).
	Released int
	Rekeyed  bool
}

// Run drena el outbox cada Interval hasta que ctx se cancela. Si un lote
// sale lleno, la siguiente pasada arranca sin esperar.
func (p *Pusher) Run(ctx context.Context) error {
	for {
		res, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("push pass failed", logger.Err(err))
		}
		if err == nil && res.Claimed >= p.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

// RunOnce reclama un lote y lo envía agrupado por entidad.
// Devuelve error sólo si el outbox local falla; los errores de la central
// se reflejan en el estado de cada fila.
func (p *Pusher) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	batch, err := p.queue.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	res.Claimed = len(batch)
	if len(batch) == 0 {
		return res, nil
	}

	var errs []error
	for _, group := range groupByEntity(batch) {
		if err := p.pushGroup(ctx, group, &res); err != nil {
			errs = append(errs, err)
		}
	}
	if res.Completed+res.Retried+res.Failed+res.Dead+res.Released > 0 {
		p.log.Debug("push pass done",
			logger.Int("claimed", res.Claimed), logger.Int("completed", res.Completed),
			logger.Int("retried", res.Retried), logger.Int("failed", res.Failed), logger.Int("dead", res.Dead),
			logger.Int("released", res.Released))
	}
	return res, errors.Join(errs...)
}

// groupByEntity conserva el orden de claim dentro de cada grupo y entre grupos.
func groupByEntity(batch []*outbox.Entry) [][]*outbox.Entry {
	idx := map[string]int{}
	var out [][]*outbox.Entry
	for _, e := range batch {
		i, ok := idx[e.Entity]
		if !ok {
			i = len(out)
			idx[e.Entity] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], e)
	}
	return out
}

func (p *Pusher) pushGroup(ctx context.Context, group []*outbox.Entry, res *Result) error {
	entity := group[0].Entity
	log := p.log.With(logger.Entity(entity), logger.Count(len(group)))

	req := dto.PushRequest{Entity: entity, GeoID: p.cfg.GeoID, Changes: make([]dto.Change, len(group))}
	for i, e := range group {
		req.Changes[i] = dto.Change{Operation: e.Operation, ID: e.EntityID, Data: e.Payload, Timestamp: e.SourceTS, Seq: e.Seq}
	}

	resp, err := p.central.Push(ctx, req)
	if err != nil {
		switch {
		case client.IsRejected(err):
			log.Warn("push rejected", logger.Err(err))
			return p.failAll(ctx, group, err.Error(), res)
		case client.IsBadSignature(err):
			log.Warn("sync secret rejected; rekeying", logger.Err(err))
			// un solo rekey por pasada; si ya se hizo y el lote sigue
			// rechazado, cuenta como reintento normal
			if !res.Rekeyed && p.rekeyer != nil {
				if rkErr := p.rekeyer.Rekey(ctx); rkErr != nil {
					log.Error("rekey failed", logger.Err(rkErr))
				} else {
					res.Rekeyed = true
					return p.releaseAll(ctx, group, err.Error(), res)
				}
			}
		default:
			log.Warn("push failed", logger.Err(err))
		}
		return p.retryAll(ctx, group, err.Error(), res)
	}

	var (
		done []int64
		errs []error
	)
	for i, e := range group {
		r := resultFor(resp.Results, i, e.EntityID)
		switch {
		case r == nil:
			errs = append(errs, p.retry(ctx, e, "missing result", res))
		case r.Accepted:
			done = append(done, e.ID)
		case r.Reason == dto.ReasonInvalid:
			errs = append(errs, p.fail(ctx, e, r.Reason, res))
		default:
			errs = append(errs, p.retry(ctx, e, r.Reason, res))
		}
	}
	if err := p.queue.MarkCompleted(ctx, done...); err != nil {
		errs = append(errs, fmt.Errorf("mark completed: %w", err))
	} else {
		res.Completed += len(done)
		metrics.OutboxPushes.WithLabelValues("ok").Add(float64(len(done)))
	}
	return errors.Join(errs...)
}

// resultFor empareja por posición y cae a id si la respuesta no está alineada.
func resultFor(results []dto.ItemResult, i int, id string) *dto.ItemResult {
	if i < len(results) && results[i].ID == id {
		return &results[i]
	}
	for j := range results {
		if results[j].ID == id {
			return &results[j]
		}
	}
	return nil
}

func (p *Pusher) failAll(ctx context.Context, group []*outbox.Entry, cause string, res *Result) error {
	var errs []error
	for _, e := range group {
		errs = append(errs, p.fail(ctx, e, cause, res))
	}
	return errors.Join(errs...)
}

func (p *Pusher) releaseAll(ctx context.Context, group []*outbox.Entry, cause string, res *Result) error {
	ids := make([]int64, len(group))
	for i, e := range group {
		ids[i] = e.ID
	}
	if err := p.queue.Release(ctx, cause, ids...); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	res.Released += len(ids)
	return nil
}

func (p *Pusher) retryAll(ctx context.Context, group []*outbox.Entry, cause string, res *Result) error {
	var errs []error
	for _, e := range group {
		errs = append(errs, p.retry(ctx, e, cause, res))
	}
	return errors.Join(errs...)
}

func (p *Pusher) fail(ctx context.Context, e *outbox.Entry, cause string, res *Result) error {
	if err := p.queue.MarkFailed(ctx, e.ID, cause); err != nil {
		return fmt.Errorf("mark failed %d: %w", e.ID, err)
	}
	res.Failed++
	metrics.OutboxPushes.WithLabelValues("failed").Inc()
	return nil
}

func (p *Pusher) retry(ctx context.Context, e *outbox.Entry, cause string, res *Result) error {
	st, err := p.queue.MarkRetry(ctx, e.ID, cause)
	if err != nil {
		return fmt.Errorf("mark retry %d: %w", e.ID, err)
	}
	metrics.OutboxPushes.WithLabelValues("retry").Inc()
	if st != outbox.StatusDead {
		res.Retried++
		return nil
	}
	res.Dead++
	if err := p.notify.Notify(ctx, notify.Event{
		Kind:     notify.OutboxDead,
		Severity: notify.Critical,
		Message:  fmt.Sprintf("outbox entry %d (%s %s/%s) is dead: %s", e.ID, e.Operation, e.Entity, e.EntityID, cause),
		ServerID: p.cfg.ServerID,
		At:       p.clock.Now(),
		Fields:   map[string]any{"outbox_id": e.ID, "entity": e.Entity, "entity_id": e.EntityID},
	}); err != nil {
		p.log.Warn("notify failed", logger.String("kind", string(notify.OutboxDead)), logger.Err(err))
	}
	return nil
}
