// Package outbox es la cola durable de cambios locales del edge pendientes de
// enviar a la central, con prioridad, reintentos y backoff exponencial.
//
// Ciclo de vida de una fila:
//
//	pending → processing → completed
//	                     → pending (retry, scheduled_at = now + 2^retries min)
//	                     → dead    (retries ≥ max_retries)
//	                     → failed  (rechazo no reintentable)
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/edge/localdb"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// Status de una fila del outbox.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Statuses en orden de ciclo de vida.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDead}

// Prioridades: 1 es la más alta.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

var (
	ErrNotFound         = errors.New("outbox: entry not found")
	ErrInvalidOperation = errors.New("outbox: invalid operation")
	ErrNotRetryable     = errors.New("outbox: entry is not dead or failed")
)

// Entry es una fila del outbox.
type Entry struct {
	ID          int64
	Operation   string
	Entity      string
	EntityID    string
	Payload     json.RawMessage
	Priority    int
	Status      Status
	Retries     int
	MaxRetries  int
	ScheduledAt *time.Time
	Error       string
	SourceTS    time.Time
	Seq         int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Config del store.
type Config struct {
	// MaxRetries por fila nueva (default 3).
	MaxRetries int
	// BaseBackoff es la unidad del backoff exponencial (default 1 minuto).
	BaseBackoff time.Duration
}

// Store implementa el outbox sobre la base SQLite local.
type Store struct {
	db          *sql.DB
	clock       clock.Clock
	log         *zap.Logger
	maxRetries  int
	baseBackoff time.Duration
}

// New crea el store. El schema lo aplica localdb.Open.
func New(db *sql.DB, cfg Config, clk clock.Clock, log *zap.Logger) *Store {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	return &Store{
		db:          db,
		clock:       clock.OrReal(clk),
		log:         logger.OrNamed(log, "outbox"),
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}
}

// Backoff devuelve la espera después de la falla número retries.
func (s *Store) Backoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > 20 {
		retries = 20
	}
	return time.Duration(math.Pow(2, float64(retries))) * s.baseBackoff
}

// ClampPriority lleva p a 1..10; 0 significa default.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return DefaultPriority
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	}
	return p
}

func validOperation(op string) bool {
	switch op {
	case "create", "update", "delete", "sync":
		return true
	}
	return false
}

const entryColumns = `id, operation, entity, entity_id, payload, priority, status, retries, max_retries,
	scheduled_at, error, source_ts, seq, created_at, updated_at, completed_at`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e           Entry
		payload     sql.NullString
		scheduledAt sql.NullTime
		completedAt sql.NullTime
		status      string
	)
	err := row.Scan(&e.ID, &e.Operation, &e.Entity, &e.EntityID, &payload, &e.Priority, &status, &e.Retries,
		&e.MaxRetries, &scheduledAt, &e.Error, &e.SourceTS, &e.Seq, &e.CreatedAt, &e.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		e.ScheduledAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

// ─── Escritura ───

// Enqueue agrega un cambio pendiente y le asigna el siguiente seq del nodo.
func (s *Store) Enqueue(ctx context.Context, op, entity, entityID string, payload json.RawMessage, priority int) (*Entry, error) {
	if !validOperation(op) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	if entity == "" || entityID == "" {
		return nil, fmt.Errorf("outbox: entity and entity id are required")
	}
	now := s.clock.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, now)
	if err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	e := &Entry{
		Operation:   op,
		Entity:      entity,
		EntityID:    entityID,
		Payload:     payload,
		Priority:    ClampPriority(priority),
		Status:      StatusPending,
		MaxRetries:  s.maxRetries,
		ScheduledAt: &now,
		SourceTS:    now,
		Seq:         seq,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var p any
	if payload != nil {
		p = string(payload)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO outbox
		(operation, entity, entity_id, payload, priority, status, retries, max_retries, scheduled_at, error,
		 source_ts, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, '', ?, ?, ?, ?)`,
		op, entity, entityID, p, e.Priority, e.MaxRetries, now, now, seq, now, now)
	if err != nil {
		return nil, err
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// nextSeq incrementa el contador persistido en edge_state dentro de tx.
// Sobrevive al purge de filas completed, a diferencia de MAX(seq).
func nextSeq(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	var cur int64
	var v string
	err := tx.QueryRowContext(ctx, `SELECT value FROM edge_state WHERE key = ?`, localdb.KeyOutboxSeq).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		if cur, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, err
		}
	}
	cur++
	_, err = tx.ExecContext(ctx, `INSERT INTO edge_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		localdb.KeyOutboxSeq, strconv.FormatInt(cur, 10), now)
	return cur, err
}

// ClaimBatch toma hasta limit filas pending vencidas, ordenadas por
// (priority, scheduled_at, id), y las pasa a processing en una sola transacción.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM outbox
		WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	var batch []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, 0, len(batch)+1)
	ids = append(ids, now)
	for _, e := range batch {
		ids = append(ids, e.ID)
		e.Status = StatusProcessing
		e.UpdatedAt = now
	}
	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = 'processing', updated_at = ?
		WHERE id IN (`+placeholders(len(batch))+`)`, ids...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkCompleted cierra las filas entregadas.
func (s *Store) MarkCompleted(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	args := []any{now, now}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'completed', error = '', completed_at = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// MarkFailed deja la fila en failed (terminal, requiere operador).
func (s *Store) MarkFailed(ctx context.Context, id int64, cause string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'failed', error = ?, scheduled_at = NULL, updated_at = ?
		WHERE id = ?`, cause, s.clock.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkRetry registra una falla transitoria. Devuelve el estado resultante:
// dead si se agotaron los reintentos, pending con backoff si no.
func (s *Store) MarkRetry(ctx context.Context, id int64, cause string) (Status, error) {
	now := s.clock.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var retries, maxRetries int
	err = tx.QueryRowContext(ctx, `SELECT retries, max_retries FROM outbox WHERE id = ?`, id).Scan(&retries, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	retries++
	status := StatusPending
	var scheduledAt any
	if retries >= maxRetries {
		status = StatusDead
	} else {
		scheduledAt = now.Add(s.Backoff(retries))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ?, retries = ?, error = ?, scheduled_at = ?, updated_at = ?
		WHERE id = ?`, string(status), retries, cause, scheduledAt, now, id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	if status == StatusDead {
		s.log.Warn("outbox entry dead", logger.Int("id", int(id)), logger.Int("retries", retries), logger.Reason(cause))
	}
	return status, nil
}

// Release devuelve filas processing a pending, vencidas ya y sin consumir
// reintentos. Sirve cuando la falla fue del canal (secreto rotado) y no de la fila.
func (s *Store) Release(ctx context.Context, cause string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	args := []any{cause, now, now}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'pending', error = ?, scheduled_at = ?, updated_at = ?
		WHERE status = 'processing' AND id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// RequeueStale devuelve a pending las filas processing sin cambios hace más de olderThan.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'pending', scheduled_at = ?, updated_at = ?
		WHERE status = 'processing' AND updated_at < ?`, now, now, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeCompleted borra filas completed cerradas antes de before.
func (s *Store) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE status = 'completed' AND completed_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Retry revive una fila dead o failed: pending, sin reintentos, ya vencida.
func (s *Store) Retry(ctx context.Context, id int64) error {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'pending', retries = 0, error = '', scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('dead', 'failed')`, now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRetryable
	}
	return nil
}

// ─── Lectura ───

// Get devuelve una fila por id.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE id = ?`, id))
}

// Depth cuenta filas por estado (todos los estados presentes, con 0 si no hay)
// y actualiza el gauge edge_outbox_depth.
func (s *Store) Depth(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for st, n := range out {
		metrics.OutboxDepth.WithLabelValues(string(st)).Set(float64(n))
	}
	return out, nil
}

// Pending es la cola visible para el heartbeat (pending + processing).
func (s *Store) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE status IN ('pending', 'processing')`).Scan(&n)
	return n, err
}

// ListDead devuelve filas dead y failed, las más nuevas primero.
func (s *Store) ListDead(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM outbox
		WHERE status IN ('dead', 'failed') ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return "?" + strings.Repeat(", ?", n-1)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
