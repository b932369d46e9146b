package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/security/signing"
)

// version ordena escrituras concurrentes sobre el mismo registro.
// El orden es (ts, node, seq): el seq por nodo desempata timestamps iguales.
type version struct {
	ts   time.Time
	node string
	seq  int64
}

func versionOf(r *repository.SyncRecord) version {
	return version{ts: r.SourceTS, node: r.SourceNode, seq: r.SourceSeq}
}

// compare devuelve -1, 0 o 1.
func (a version) compare(b version) int {
	switch {
	case a.ts.Before(b.ts):
		return -1
	case a.ts.After(b.ts):
		return 1
	}
	if c := strings.Compare(a.node, b.node); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// payloadHash es sha256 del JSON compactado más el flag de borrado.
func payloadHash(data json.RawMessage, deleted bool) (string, error) {
	var buf bytes.Buffer
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Compact(&buf, data); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	} else {
		buf.WriteString("null")
	}
	if deleted {
		buf.WriteString("|deleted")
	}
	return signing.SHA256Hex(buf.Bytes()), nil
}

// incoming es un cambio ya validado, listo para decidir contra el estado actual.
type incoming struct {
	rec *repository.SyncRecord
	ver version
}

func newIncoming(node *repository.EdgeNode, entity, geoID string, op, id string, data json.RawMessage, ts time.Time, seq int64, now time.Time) (*incoming, error) {
	if !dto.ValidOperation(op) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	if strings.TrimSpace(id) == "" || ts.IsZero() {
		return nil, fmt.Errorf("%w: id and timestamp", ErrMissingFields)
	}
	deleted := op == dto.OpDelete
	if deleted {
		data = nil
	}
	hash, err := payloadHash(data, deleted)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if len(data) > 0 {
		var buf bytes.Buffer
		_ = json.Compact(&buf, data)
		payload = buf.Bytes()
	}
	rec := &repository.SyncRecord{
		Entity:      entity,
		EntityID:    id,
		GeoID:       geoID,
		Payload:     payload,
		Deleted:     deleted,
		SourceTS:    ts.UTC(),
		SourceNode:  node.ServerID,
		SourceSeq:   seq,
		PayloadHash: hash,
		UpdatedAt:   now,
	}
	return &incoming{rec: rec, ver: versionOf(rec)}, nil
}

// pushDecision aplica LWW para /sync/push. El resultado queda en *reason.
//
//	sin registro o versión más nueva  → applied
//	misma versión y mismo payload     → duplicate
//	resto                             → stale
func pushDecision(in *incoming, reason *string) repository.ApplyFunc {
	return func(cur *repository.SyncRecord) (*repository.SyncRecord, error) {
		if cur == nil {
			*reason = dto.ReasonApplied
			return in.rec, nil
		}
		switch c := in.ver.compare(versionOf(cur)); {
		case c > 0:
			*reason = dto.ReasonApplied
			return in.rec, nil
		case c == 0 && in.rec.PayloadHash == cur.PayloadHash:
			*reason = dto.ReasonDuplicate
		default:
			*reason = dto.ReasonStale
		}
		return nil, nil
	}
}

// itemDecision aplica LWW estricto para /sync/item: un timestamp más viejo, o
// el mismo timestamp con otro contenido, es un conflicto duro.
func itemDecision(in *incoming) repository.ApplyFunc {
	return func(cur *repository.SyncRecord) (*repository.SyncRecord, error) {
		if cur == nil {
			return in.rec, nil
		}
		switch {
		case in.rec.SourceTS.Before(cur.SourceTS):
			return nil, fmt.Errorf("%w: newer version exists", repository.ErrConflict)
		case in.rec.SourceTS.Equal(cur.SourceTS):
			if in.rec.PayloadHash == cur.PayloadHash {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: concurrent write with same timestamp", repository.ErrConflict)
		}
		return in.rec, nil
	}
}

// toRecord convierte un SyncRecord en su forma de transporte.
func toRecord(r *repository.SyncRecord) dto.Record {
	return dto.Record{
		Entity:     r.Entity,
		ID:         r.EntityID,
		GeoID:      r.GeoID,
		Data:       r.Payload,
		Deleted:    r.Deleted,
		Timestamp:  r.SourceTS,
		SourceNode: r.SourceNode,
		SourceSeq:  r.SourceSeq,
		Seq:        r.Seq,
	}
}

func toRecords(rs []*repository.SyncRecord) []dto.Record {
	out := make([]dto.Record, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRecord(r))
	}
	return out
}
