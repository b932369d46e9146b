package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// ─── EdgeNodeRepository ───

type nodeRepo struct{ pool *pgxpool.Pool }

const nodeColumns = `instance_id::text, server_id, geo_id, endpoint, status, last_seen, heartbeat_interval_seconds,
	needs_full_sync, sync_queue_size, cpu_percent, memory_percent, disk_percent, sync_status,
	last_full_sync, last_sync_at, last_cursor, version, created_at, updated_at`

const nodeInsertColumns = `instance_id, server_id, geo_id, endpoint, status, last_seen, heartbeat_interval_seconds,
	needs_full_sync, sync_queue_size, cpu_percent, memory_percent, disk_percent, sync_status,
	last_full_sync, last_sync_at, last_cursor, version, created_at, updated_at`

func scanNode(row pgx.Row) (*repository.EdgeNode, error) {
	var (
		n                  repository.EdgeNode
		status, syncStatus string
	)
	err := row.Scan(&n.InstanceID, &n.ServerID, &n.GeoID, &n.Endpoint, &status, &n.LastSeen,
		&n.HeartbeatIntervalSeconds, &n.NeedsFullSync, &n.SyncQueueSize, &n.CPUPercent, &n.MemoryPercent,
		&n.DiskPercent, &syncStatus, &n.LastFullSync, &n.LastSyncAt, &n.LastCursor, &n.Version,
		&n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Status = repository.NodeStatus(status)
	n.SyncStatus = repository.SyncStatus(syncStatus)
	return &n, nil
}

func (r *nodeRepo) Create(ctx context.Context, n *repository.EdgeNode) error {
	const query = `INSERT INTO edge_node (` + nodeInsertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := r.pool.Exec(ctx, query,
		n.InstanceID, n.ServerID, n.GeoID, n.Endpoint, string(n.Status), n.LastSeen, n.HeartbeatIntervalSeconds,
		n.NeedsFullSync, n.SyncQueueSize, n.CPUPercent, n.MemoryPercent, n.DiskPercent, string(n.SyncStatus),
		n.LastFullSync, n.LastSyncAt, n.LastCursor, n.Version, n.CreatedAt.UTC(), n.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("edge node %s: %w", n.ServerID, repository.ErrConflict)
	}
	return err
}

func (r *nodeRepo) GetByServerID(ctx context.Context, serverID string) (*repository.EdgeNode, error) {
	return scanNode(r.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM edge_node WHERE server_id = $1`, serverID))
}

func (r *nodeRepo) GetByInstanceID(ctx context.Context, instanceID string) (*repository.EdgeNode, error) {
	return scanNode(r.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM edge_node WHERE instance_id::text = $1`, instanceID))
}

func (r *nodeRepo) List(ctx context.Context, status repository.NodeStatus) ([]*repository.EdgeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM edge_node`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY server_id`

	rows, err := r.pool.Query(ctx, query, args...)
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
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *nodeRepo) UpdateRegistration(ctx context.Context, n *repository.EdgeNode) error {
	return r.exec(ctx, `UPDATE edge_node SET geo_id = $1, endpoint = $2, heartbeat_interval_seconds = $3, version = $4,
		status = $5, needs_full_sync = $6, updated_at = $7 WHERE instance_id::text = $8`,
		n.GeoID, n.Endpoint, n.HeartbeatIntervalSeconds, n.Version, string(n.Status), n.NeedsFullSync,
		n.UpdatedAt.UTC(), n.InstanceID)
}

func (r *nodeRepo) UpdateLiveness(ctx context.Context, instanceID string, l repository.Liveness) error {
	return r.exec(ctx, `UPDATE edge_node SET last_seen = $1, sync_queue_size = $2, cpu_percent = $3, memory_percent = $4,
		disk_percent = $5, sync_status = $6, version = COALESCE(NULLIF($7, ''), version), updated_at = $1
		WHERE instance_id::text = $8`,
		l.SeenAt.UTC(), l.SyncQueueSize, l.CPUPercent, l.MemoryPercent, l.DiskPercent, string(l.SyncStatus),
		l.Version, instanceID)
}

func (r *nodeRepo) SetStatus(ctx context.Context, instanceID string, status repository.NodeStatus, at time.Time) error {
	return r.exec(ctx, `UPDATE edge_node SET status = $1, updated_at = $2 WHERE instance_id::text = $3`,
		string(status), at.UTC(), instanceID)
}

func (r *nodeRepo) MarkFullSync(ctx context.Context, instanceID string, cursor int64, at time.Time) error {
	return r.exec(ctx, `UPDATE edge_node SET needs_full_sync = FALSE, last_full_sync = $1, last_sync_at = $1,
		last_cursor = $2, sync_status = 'idle', updated_at = $1 WHERE instance_id::text = $3`,
		at.UTC(), cursor, instanceID)
}

func (r *nodeRepo) MarkCursor(ctx context.Context, instanceID string, cursor int64, at time.Time) error {
	return r.exec(ctx, `UPDATE edge_node SET last_sync_at = $1, last_cursor = $2, updated_at = $1
		WHERE instance_id::text = $3`, at.UTC(), cursor, instanceID)
}

func (r *nodeRepo) SetNeedsFullSync(ctx context.Context, instanceID string, needs bool, at time.Time) error {
	return r.exec(ctx, `UPDATE edge_node SET needs_full_sync = $1, updated_at = $2 WHERE instance_id::text = $3`,
		needs, at.UTC(), instanceID)
}
