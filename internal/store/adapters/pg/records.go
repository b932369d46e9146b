package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// ─── RecordRepository ───

type recordRepo struct{ pool *pgxpool.Pool }

// recordsLockKey serializa todas las escrituras de sync_record. nextval no
// respeta el orden de commit; con el lock global un lector que ve seq N ya
// vio todos los seq < N.
const recordsLockKey = "sync_record"

const recordColumns = `entity, entity_id, geo_id, payload, deleted, source_ts, source_node, source_seq,
	payload_hash, seq, updated_at`

func scanRecord(row pgx.Row) (*repository.SyncRecord, error) {
	var rec repository.SyncRecord
	err := row.Scan(&rec.Entity, &rec.EntityID, &rec.GeoID, &rec.Payload, &rec.Deleted, &rec.SourceTS,
		&rec.SourceNode, &rec.SourceSeq, &rec.PayloadHash, &rec.Seq, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepo) Get(ctx context.Context, entity, entityID string) (*repository.SyncRecord, error) {
	return scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM sync_record WHERE entity = $1 AND entity_id = $2`, entity, entityID))
}

func (r *recordRepo) Apply(ctx context.Context, entity, entityID string, decide repository.ApplyFunc) (*repository.SyncRecord, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	if err := lockKey(ctx, tx, recordsLockKey); err != nil {
		return nil, false, err
	}
	cur, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM sync_record WHERE entity = $1 AND entity_id = $2`, entity, entityID))
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	next, err := decide(cur)
	if err != nil {
		return cur, false, err
	}
	if next == nil {
		return cur, false, tx.Commit(ctx)
	}

	if err := tx.QueryRow(ctx, `SELECT nextval('sync_record_seq')`).Scan(&next.Seq); err != nil {
		return nil, false, err
	}
	next.Entity, next.EntityID = entity, entityID

	const upsert = `INSERT INTO sync_record (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (entity, entity_id) DO UPDATE SET
			geo_id = EXCLUDED.geo_id, payload = EXCLUDED.payload, deleted = EXCLUDED.deleted,
			source_ts = EXCLUDED.source_ts, source_node = EXCLUDED.source_node, source_seq = EXCLUDED.source_seq,
			payload_hash = EXCLUDED.payload_hash, seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, upsert,
		next.Entity, next.EntityID, next.GeoID, next.Payload, next.Deleted, next.SourceTS.UTC(), next.SourceNode,
		next.SourceSeq, next.PayloadHash, next.Seq, next.UpdatedAt.UTC()); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (r *recordRepo) ListSince(ctx context.Context, scope repository.RecordScope, since int64, limit int) ([]*repository.SyncRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM sync_record
		WHERE seq > $1 AND (geo_id = $2 OR geo_id = '') AND (cardinality($3::text[]) = 0 OR entity = ANY($3))
		ORDER BY seq`
	args := []any{since, scope.GeoID, entitiesArg(scope)}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	return r.list(ctx, r.pool, query, args...)
}

func (r *recordRepo) Snapshot(ctx context.Context, scope repository.RecordScope) ([]*repository.SyncRecord, int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	var maxSeq int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM sync_record`).Scan(&maxSeq); err != nil {
		return nil, 0, err
	}
	recs, err := r.list(ctx, tx, `SELECT `+recordColumns+` FROM sync_record
		WHERE NOT deleted AND (geo_id = $1 OR geo_id = '') AND (cardinality($2::text[]) = 0 OR entity = ANY($2))
		ORDER BY seq`, scope.GeoID, entitiesArg(scope))
	if err != nil {
		return nil, 0, err
	}
	return recs, maxSeq, tx.Commit(ctx)
}

func (r *recordRepo) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM sync_record`).Scan(&seq)
	return seq, err
}

func (r *recordRepo) list(ctx context.Context, q querier, query string, args ...any) ([]*repository.SyncRecord, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repository.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func entitiesArg(scope repository.RecordScope) []string {
	if scope.Entities == nil {
		return []string{}
	}
	return scope.Entities
}
