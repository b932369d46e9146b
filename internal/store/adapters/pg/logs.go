package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// ─── HeartbeatRepository ───

type heartbeatRepo struct{ pool *pgxpool.Pool }

func (r *heartbeatRepo) Append(ctx context.Context, h *repository.HeartbeatRecord) error {
	return r.pool.QueryRow(ctx, `INSERT INTO heartbeat_log
		(edge_node_id, status, response_time_ms, metrics, error, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		h.EdgeNodeID, h.Status, h.ResponseTimeMs, h.Metrics, h.Error, h.CreatedAt.UTC()).Scan(&h.ID)
}

func (r *heartbeatRepo) ListRecent(ctx context.Context, edgeNodeID string, limit int) ([]*repository.HeartbeatRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id, edge_node_id::text, status, response_time_ms, metrics, error, created_at
		FROM heartbeat_log WHERE edge_node_id::text = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, edgeNodeID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*repository.HeartbeatRecord, error) {
		var h repository.HeartbeatRecord
		err := row.Scan(&h.ID, &h.EdgeNodeID, &h.Status, &h.ResponseTimeMs, &h.Metrics, &h.Error, &h.CreatedAt)
		return &h, err
	})
}

func (r *heartbeatRepo) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM heartbeat_log WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ─── CommandRepository ───

type commandRepo struct{ pool *pgxpool.Pool }

func (r *commandRepo) Enqueue(ctx context.Context, c *repository.NodeCommand) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO node_command (id, edge_node_id, command, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`, c.ID, c.EdgeNodeID, c.Command, c.Payload, c.CreatedAt.UTC())
	return err
}

// TakePending marca y devuelve en un solo statement; dos heartbeats
// concurrentes nunca reciben el mismo comando.
func (r *commandRepo) TakePending(ctx context.Context, edgeNodeID string, at time.Time) ([]*repository.NodeCommand, error) {
	rows, err := r.pool.Query(ctx, `UPDATE node_command SET delivered_at = $1
		WHERE id IN (
			SELECT id FROM node_command
			WHERE edge_node_id::text = $2 AND delivered_at IS NULL
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text, edge_node_id::text, command, payload, created_at, delivered_at`, at.UTC(), edgeNodeID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*repository.NodeCommand, error) {
		var c repository.NodeCommand
		err := row.Scan(&c.ID, &c.EdgeNodeID, &c.Command, &c.Payload, &c.CreatedAt, &c.DeliveredAt)
		return &c, err
	})
}

func (r *commandRepo) PurgeDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM node_command WHERE delivered_at IS NOT NULL AND delivered_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ─── AuditRepository ───

type auditRepo struct{ pool *pgxpool.Pool }

func (r *auditRepo) Append(ctx context.Context, e *repository.SecretAuditEntry) error {
	return r.pool.QueryRow(ctx, `INSERT INTO secret_audit
		(secret_id, secret_type, edge_node_id, action, actor, reason, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.SecretID, string(e.SecretType), e.EdgeNodeID, string(e.Action), e.Actor, e.Reason, e.CreatedAt.UTC()).Scan(&e.ID)
}

func (r *auditRepo) ListBySecret(ctx context.Context, secretID string) ([]*repository.SecretAuditEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, secret_id, secret_type, edge_node_id, action, actor, reason, created_at
		FROM secret_audit WHERE secret_id = $1 ORDER BY id`, secretID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*repository.SecretAuditEntry, error) {
		var (
			e           repository.SecretAuditEntry
			typ, action string
		)
		err := row.Scan(&e.ID, &e.SecretID, &typ, &e.EdgeNodeID, &action, &e.Actor, &e.Reason, &e.CreatedAt)
		e.SecretType = repository.SecretType(typ)
		e.Action = repository.AuditAction(action)
		return &e, err
	})
}

func (r *auditRepo) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM secret_audit WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
