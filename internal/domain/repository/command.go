package repository

import (
	"context"
	"encoding/json"
	"time"
)

// NodeCommand es un comando opaco para un edge node, entregado vía heartbeat.
type NodeCommand struct {
	ID          string
	EdgeNodeID  string
	Command     string
	Payload     json.RawMessage
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// CommandRepository es la cola de comandos por nodo.
type CommandRepository interface {
	Enqueue(ctx context.Context, c *NodeCommand) error
	// TakePending devuelve los comandos no entregados y los marca entregados.
	TakePending(ctx context.Context, edgeNodeID string, at time.Time) ([]*NodeCommand, error)
	PurgeDeliveredBefore(ctx context.Context, before time.Time) (int64, error)
}
