package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// ─── RecordRepository ───

type recordRepo struct{ db *sql.DB }

const recordColumns = `entity, entity_id, geo_id, payload, deleted, source_ts, source_node, source_seq,
	payload_hash, seq, updated_at`

func scanRecord(row rowScanner) (*repository.SyncRecord, error) {
	var (
		rec     repository.SyncRecord
		payload sql.NullString
	)
	err := row.Scan(&rec.Entity, &rec.EntityID, &rec.GeoID, &payload, &rec.Deleted, &rec.SourceTS,
		&rec.SourceNode, &rec.SourceSeq, &rec.PayloadHash, &rec.Seq, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	return &rec, nil
}

func getRecord(ctx context.Context, q querier, entity, entityID string) (*repository.SyncRecord, error) {
	return scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM sync_record WHERE entity = ? AND entity_id = ?`, entity, entityID))
}

func (r *recordRepo) Get(ctx context.Context, entity, entityID string) (*repository.SyncRecord, error) {
	return getRecord(ctx, r.db, entity, entityID)
}

func (r *recordRepo) Apply(ctx context.Context, entity, entityID string, decide repository.ApplyFunc) (*repository.SyncRecord, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	cur, err := getRecord(ctx, tx, entity, entityID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	next, err := decide(cur)
	if err != nil {
		return cur, false, err
	}
	if next == nil {
		return cur, false, tx.Commit()
	}

	// El lock de escritura de BEGIN IMMEDIATE hace seguro MAX(seq)+1.
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_record`).Scan(&next.Seq); err != nil {
		return nil, false, err
	}
	next.Entity, next.EntityID = entity, entityID

	var payload any
	if next.Payload != nil {
		payload = string(next.Payload)
	}
	const upsert = `INSERT INTO sync_record (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity, entity_id) DO UPDATE SET
			geo_id = excluded.geo_id, payload = excluded.payload, deleted = excluded.deleted,
			source_ts = excluded.source_ts, source_node = excluded.source_node, source_seq = excluded.source_seq,
			payload_hash = excluded.payload_hash, seq = excluded.seq, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, upsert,
		next.Entity, next.EntityID, next.GeoID, payload, next.Deleted, next.SourceTS.UTC(), next.SourceNode,
		next.SourceSeq, next.PayloadHash, next.Seq, next.UpdatedAt.UTC()); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// scopeClause arma el filtro de geo (propia + globales) y entidades.
func scopeClause(scope repository.RecordScope) (string, []any) {
	clause := `(geo_id = ? OR geo_id = '')`
	args := []any{scope.GeoID}
	if len(scope.Entities) > 0 {
		clause += ` AND entity IN (?` + strings.Repeat(", ?", len(scope.Entities)-1) + `)`
		for _, e := range scope.Entities {
			args = append(args, e)
		}
	}
	return clause, args
}

func (r *recordRepo) ListSince(ctx context.Context, scope repository.RecordScope, since int64, limit int) ([]*repository.SyncRecord, error) {
	clause, args := scopeClause(scope)
	query := `SELECT ` + recordColumns + ` FROM sync_record WHERE seq > ? AND ` + clause + ` ORDER BY seq`
	args = append([]any{since}, args...)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.list(ctx, r.db, query, args...)
}

func (r *recordRepo) Snapshot(ctx context.Context, scope repository.RecordScope) ([]*repository.SyncRecord, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	// El cursor se lee antes del listado: un write concurrente queda o en el
	// snapshot o por encima del cursor, nunca en el medio.
	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM sync_record`).Scan(&maxSeq); err != nil {
		return nil, 0, err
	}
	clause, args := scopeClause(scope)
	recs, err := r.list(ctx, tx, `SELECT `+recordColumns+` FROM sync_record WHERE deleted = 0 AND `+clause+` ORDER BY seq`, args...)
	if err != nil {
		return nil, 0, err
	}
	return recs, maxSeq, tx.Commit()
}

func (r *recordRepo) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM sync_record`).Scan(&seq)
	return seq, err
}

func (r *recordRepo) list(ctx context.Context, q querier, query string, args ...any) ([]*repository.SyncRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
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
