package repository

import (
	"context"
	"encoding/json"
	"time"
)

// HeartbeatRecord es una entrada append-only del log de heartbeats.
type HeartbeatRecord struct {
	ID             int64
	EdgeNodeID     string
	Status         string
	ResponseTimeMs int64
	Metrics        json.RawMessage
	Error          string
	CreatedAt      time.Time
}

// HeartbeatRepository nunca modifica registros existentes; sólo inserta y purga.
type HeartbeatRepository interface {
	Append(ctx context.Context, h *HeartbeatRecord) error
	ListRecent(ctx context.Context, edgeNodeID string, limit int) ([]*HeartbeatRecord, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}
