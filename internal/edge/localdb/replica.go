package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// Record es una fila de replica_records.
type Record struct {
	Entity     string
	EntityID   string
	GeoID      string
	Payload    json.RawMessage
	Deleted    bool
	SourceTS   time.Time
	SourceNode string
	SourceSeq  int64
	// Seq es el cursor de la central; 0 para escrituras locales aún no confirmadas.
	Seq       int64
	UpdatedAt time.Time
}

// newerOrEqual ordena por (ts, node, seq) igual que la central.
func (r *Record) newerOrEqual(o *Record) bool {
	switch {
	case r.SourceTS.After(o.SourceTS):
		return true
	case r.SourceTS.Before(o.SourceTS):
		return false
	}
	if c := strings.Compare(r.SourceNode, o.SourceNode); c != 0 {
		return c > 0
	}
	return r.SourceSeq >= o.SourceSeq
}

// Replica guarda la copia local de los registros de la central.
type Replica struct {
	db    *sql.DB
	clock clock.Clock
}

func NewReplica(db *sql.DB, clk clock.Clock) *Replica {
	return &Replica{db: db, clock: clock.OrReal(clk)}
}

const replicaColumns = `entity, entity_id, geo_id, payload, deleted, source_ts, source_node, source_seq, seq, updated_at`

func scanReplica(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec     Record
		payload sql.NullString
	)
	err := row.Scan(&rec.Entity, &rec.EntityID, &rec.GeoID, &payload, &rec.Deleted, &rec.SourceTS,
		&rec.SourceNode, &rec.SourceSeq, &rec.Seq, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	return &rec, nil
}

// Get devuelve un registro o repository.ErrNotFound.
func (r *Replica) Get(ctx context.Context, entity, entityID string) (*Record, error) {
	return scanReplica(r.db.QueryRowContext(ctx,
		`SELECT `+replicaColumns+` FROM replica_records WHERE entity = ? AND entity_id = ?`, entity, entityID))
}

// Apply escribe rec si su versión no es anterior a la guardada (LWW).
// Devuelve false cuando la fila local gana.
func (r *Replica) Apply(ctx context.Context, rec *Record) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	cur, err := scanReplica(tx.QueryRowContext(ctx,
		`SELECT `+replicaColumns+` FROM replica_records WHERE entity = ? AND entity_id = ?`, rec.Entity, rec.EntityID))
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	if cur != nil && !rec.newerOrEqual(cur) {
		return false, tx.Commit()
	}
	// una escritura local conserva el último seq conocido de la central
	if cur != nil && rec.Seq == 0 {
		rec.Seq = cur.Seq
	}

	var payload any
	if rec.Payload != nil {
		payload = string(rec.Payload)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO replica_records (`+replicaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity, entity_id) DO UPDATE SET
			geo_id = excluded.geo_id, payload = excluded.payload, deleted = excluded.deleted,
			source_ts = excluded.source_ts, source_node = excluded.source_node, source_seq = excluded.source_seq,
			seq = excluded.seq, updated_at = excluded.updated_at`,
		rec.Entity, rec.EntityID, rec.GeoID, payload, rec.Deleted, rec.SourceTS.UTC(), rec.SourceNode,
		rec.SourceSeq, rec.Seq, r.clock.Now().UTC())
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Replace vacía la réplica de las entidades dadas (todas si entities es vacío)
// y carga recs en una sola transacción. Lo usa el full sync.
func (r *Replica) Replace(ctx context.Context, entities []string, recs []*Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := `DELETE FROM replica_records WHERE seq > 0`
	var args []any
	if len(entities) > 0 {
		del += ` AND entity IN (?` + strings.Repeat(", ?", len(entities)-1) + `)`
		for _, e := range entities {
			args = append(args, e)
		}
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return err
	}
	now := r.clock.Now().UTC()
	for _, rec := range recs {
		var payload any
		if rec.Payload != nil {
			payload = string(rec.Payload)
		}
		// las escrituras locales pendientes (seq=0) sobreviven si son más nuevas
		if _, err := tx.ExecContext(ctx, `INSERT INTO replica_records (`+replicaColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity, entity_id) DO UPDATE SET
				geo_id = excluded.geo_id, payload = excluded.payload, deleted = excluded.deleted,
				source_ts = excluded.source_ts, source_node = excluded.source_node, source_seq = excluded.source_seq,
				seq = excluded.seq, updated_at = excluded.updated_at
			WHERE excluded.source_ts >= replica_records.source_ts`,
			rec.Entity, rec.EntityID, rec.GeoID, payload, rec.Deleted, rec.SourceTS.UTC(), rec.SourceNode,
			rec.SourceSeq, rec.Seq, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count devuelve cuántos registros vivos hay por entidad.
func (r *Replica) Count(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT entity, COUNT(*) FROM replica_records WHERE deleted = 0 GROUP BY entity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			e string
			n int
		)
		if err := rows.Scan(&e, &n); err != nil {
			return nil, err
		}
		out[e] = n
	}
	return out, rows.Err()
}
