package repository

import (
	"context"
	"encoding/json"
	"time"
)

// SyncRecord es la forma opaca en que la central guarda las entidades de
// negocio sincronizadas. Seq es el cursor global; se reasigna en cada
// escritura efectiva, de modo que "seq > cursor" devuelve todo lo cambiado.
type SyncRecord struct {
	Entity      string
	EntityID    string
	GeoID       string // vacío = global
	Payload     json.RawMessage
	Deleted     bool
	SourceTS    time.Time
	SourceNode  string
	SourceSeq   int64
	PayloadHash string
	Seq         int64
	UpdatedAt   time.Time
}

// RecordScope delimita qué registros ve un nodo: los de su geo más los globales.
type RecordScope struct {
	GeoID    string
	Entities []string // vacío = todas
}

// ApplyFunc decide, dentro de la transacción, qué escribir dado el estado actual
// (nil si no existe). Devolver (nil, nil) significa no escribir.
type ApplyFunc func(current *SyncRecord) (*SyncRecord, error)

// RecordRepository persiste SyncRecords.
type RecordRepository interface {
	Get(ctx context.Context, entity, entityID string) (*SyncRecord, error)

	// Apply serializa escrituras sobre (entity, entityID), invoca decide con el
	// valor actual y, si devuelve un registro, lo guarda con un seq nuevo.
	// Devuelve el registro resultante (el actual si no hubo escritura).
	Apply(ctx context.Context, entity, entityID string, decide ApplyFunc) (rec *SyncRecord, written bool, err error)

	// ListSince devuelve registros con seq > since ordenados por seq (incluye borrados).
	ListSince(ctx context.Context, scope RecordScope, since int64, limit int) ([]*SyncRecord, error)

	// Snapshot devuelve los registros no borrados del scope y el seq máximo observado.
	Snapshot(ctx context.Context, scope RecordScope) ([]*SyncRecord, int64, error)

	MaxSeq(ctx context.Context) (int64, error)
}
