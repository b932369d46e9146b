package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/store/sqlitedb"
)

// ─── EdgeNodeRepository ───

type nodeRepo struct{ db *sql.DB }

const nodeColumns = `instance_id, server_id, geo_id, endpoint, status, last_seen, heartbeat_interval_seconds,
	needs_full_sync, sync_queue_size, cpu_percent, memory_percent, disk_percent, sync_status,
	last_full_sync, last_sync_at, last_cursor, version, created_at, updated_at`

func scanNode(row rowScanner) (*repository.EdgeNode, error) {
	var n repository.EdgeNode
	err := row.Scan(&n.InstanceID, &n.ServerID, &n.GeoID, &n.Endpoint, &n.Status, &n.LastSeen,
		&n.HeartbeatIntervalSeconds, &n.NeedsFullSync, &n.SyncQueueSize, &n.CPUPercent, &n.MemoryPercent,
		&n.DiskPercent, &n.SyncStatus, &n.LastFullSync, &n.LastSyncAt, &n.LastCursor, &n.Version,
		&n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *nodeRepo) Create(ctx context.Context, n *repository.EdgeNode) error {
	const query = `INSERT INTO edge_node (` + nodeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		n.InstanceID, n.ServerID, n.GeoID, n.Endpoint, n.Status, n.LastSeen, n.HeartbeatIntervalSeconds,
		n.NeedsFullSync, n.SyncQueueSize, n.CPUPercent, n.MemoryPercent, n.DiskPercent, n.SyncStatus,
		n.LastFullSync, n.LastSyncAt, n.LastCursor, n.Version, n.CreatedAt.UTC(), n.UpdatedAt.UTC())
	if sqlitedb.IsUniqueViolation(err) {
		return fmt.Errorf("edge node %s: %w", n.ServerID, repository.ErrConflict)
	}
	return err
}

func (r *nodeRepo) GetByServerID(ctx context.Context, serverID string) (*repository.EdgeNode, error) {
	return scanNode(r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM edge_node WHERE server_id = ?`, serverID))
}

func (r *nodeRepo) GetByInstanceID(ctx context.Context, instanceID string) (*repository.EdgeNode, error) {
	return scanNode(r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM edge_node WHERE instance_id = ?`, instanceID))
}

func (r *nodeRepo) List(ctx context.Context, status repository.NodeStatus) ([]*repository.EdgeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM edge_node`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY server_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repository.EdgeNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *nodeRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *nodeRepo) UpdateRegistration(ctx context.Context, n *repository.EdgeNode) error {
	return r.exec(ctx, `UPDATE edge_node SET geo_id = ?, endpoint = ?, heartbeat_interval_seconds = ?, version = ?,
		status = ?, needs_full_sync = ?, updated_at = ? WHERE instance_id = ?`,
		n.GeoID, n.Endpoint, n.HeartbeatIntervalSeconds, n.Version, n.Status, n.NeedsFullSync,
		n.UpdatedAt.UTC(), n.InstanceID)
}

func (r *nodeRepo) UpdateLiveness(ctx context.Context, instanceID string, l repository.Liveness) error {
	return r.exec(ctx, `UPDATE edge_node SET last_seen = ?, sync_queue_size = ?, cpu_percent = ?, memory_percent = ?,
		disk_percent = ?, sync_status = ?, version = CASE WHEN ? = '' THEN version ELSE ? END, updated_at = ?
		WHERE instance_id = ?`,
		l.SeenAt.UTC(), l.SyncQueueSize, l.CPUPercent, l.MemoryPercent, l.DiskPercent, l.SyncStatus,
		l.Version, l.Version, l.SeenAt.UTC(), instanceID)
}

func (r *nodeRepo) SetStatus(ctx context.Context, instanceID string, status repository.NodeStatus, at time.Time) error {
	return r.exec(ctx, `UPDATE edge_node SET status = ?, updated_at = ? WHERE instance_id = ?`, status, at.UTC(), instanceID)
}

func (r *nodeRepo) MarkFullSync(ctx context.Context, instanceID string, cursor int64, at time.Time) error {
	return r.exec(ctx, `UPDATE edge_node SET needs_full_sync = 0, last_full_sync = ?, last_sync_at = ?, last_cursor = ?,
		sync_status = 'idle', updated_at = ? WHERE instance_id = ?`,
		at.UTC(), at.UTC(), cursor, at.UTC(), instanceID)
}

func (r *nodeRepo) MarkCursor(ctx context.Context, instanceID string, cursor int64, at time.Time) error {
	return r.exec(ctx, `UPDATE edge_node SET last_sync_at = ?, last_cursor = ?, updated_at = ? WHERE instance_id = ?`,
		at.UTC(), cursor, at.UTC(), instanceID)
}

func (r *nodeRepo) SetNeedsFullSync(ctx context.Context, instanceID string, needs bool, at time.Time) error {
	return r.exec(ctx, `UPDATE edge_node SET needs_full_sync = ?, updated_at = ? WHERE instance_id = ?`,
		needs, at.UTC(), instanceID)
}
