package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// ─── HeartbeatRepository ───

type heartbeatRepo struct{ db *sql.DB }

func (r *heartbeatRepo) Append(ctx context.Context, h *repository.HeartbeatRecord) error {
	var metrics any
	if h.Metrics != nil {
		metrics = string(h.Metrics)
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO heartbeat_log
		(edge_node_id, status, response_time_ms, metrics, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		h.EdgeNodeID, h.Status, h.ResponseTimeMs, metrics, h.Error, h.CreatedAt.UTC())
	if err != nil {
		return err
	}
	h.ID, _ = res.LastInsertId()
	return nil
}

func (r *heartbeatRepo) ListRecent(ctx context.Context, edgeNodeID string, limit int) ([]*repository.HeartbeatRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, edge_node_id, status, response_time_ms, metrics, error, created_at
		FROM heartbeat_log WHERE edge_node_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, edgeNodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repository.HeartbeatRecord
	for rows.Next() {
		var (
			h       repository.HeartbeatRecord
			metrics sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.EdgeNodeID, &h.Status, &h.ResponseTimeMs, &metrics, &h.Error, &h.CreatedAt); err != nil {
			return nil, err
		}
		if metrics.Valid {
			h.Metrics = []byte(metrics.String)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (r *heartbeatRepo) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM heartbeat_log WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ─── CommandRepository ───

type commandRepo struct{ db *sql.DB }

func (r *commandRepo) Enqueue(ctx context.Context, c *repository.NodeCommand) error {
	var payload any
	if c.Payload != nil {
		payload = string(c.Payload)
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO node_command (id, edge_node_id, command, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`, c.ID, c.EdgeNodeID, c.Command, payload, c.CreatedAt.UTC())
	return err
}

func (r *commandRepo) TakePending(ctx context.Context, edgeNodeID string, at time.Time) ([]*repository.NodeCommand, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, edge_node_id, command, payload, created_at
		FROM node_command WHERE edge_node_id = ? AND delivered_at IS NULL ORDER BY created_at, id`, edgeNodeID)
	if err != nil {
		return nil, err
	}
	var out []*repository.NodeCommand
	for rows.Next() {
		var (
			c       repository.NodeCommand
			payload sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.EdgeNodeID, &c.Command, &payload, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if payload.Valid {
			c.Payload = []byte(payload.String)
		}
		out = append(out, &c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	at = at.UTC()
	for _, c := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE node_command SET delivered_at = ? WHERE id = ?`, at, c.ID); err != nil {
			return nil, err
		}
		c.DeliveredAt = &at
	}
	return out, tx.Commit()
}

func (r *commandRepo) PurgeDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM node_command WHERE delivered_at IS NOT NULL AND delivered_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ─── AuditRepository ───

type auditRepo struct{ db *sql.DB }

func (r *auditRepo) Append(ctx context.Context, e *repository.SecretAuditEntry) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO secret_audit
		(secret_id, secret_type, edge_node_id, action, actor, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SecretID, e.SecretType, e.EdgeNodeID, e.Action, e.Actor, e.Reason, e.CreatedAt.UTC())
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (r *auditRepo) ListBySecret(ctx context.Context, secretID string) ([]*repository.SecretAuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, secret_id, secret_type, edge_node_id, action, actor, reason, created_at
		FROM secret_audit WHERE secret_id = ? ORDER BY id`, secretID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repository.SecretAuditEntry
	for rows.Next() {
		var e repository.SecretAuditEntry
		if err := rows.Scan(&e.ID, &e.SecretID, &e.SecretType, &e.EdgeNodeID, &e.Action, &e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *auditRepo) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM secret_audit WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
