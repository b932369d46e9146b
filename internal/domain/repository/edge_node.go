package repository

import (
	"context"
	"time"
)

// NodeStatus es el estado operativo de un edge node.
type NodeStatus string

const (
	NodeActive      NodeStatus = "active"
	NodeInactive    NodeStatus = "inactive"
	NodeMaintenance NodeStatus = "maintenance"
	NodeSpare       NodeStatus = "spare"
	NodeError       NodeStatus = "error"
)

// SyncStatus describe el estado de sincronización reportado.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
	SyncPending SyncStatus = "pending"
)

// DefaultHeartbeatInterval es el intervalo asumido cuando el nodo no informa uno.
const DefaultHeartbeatInterval = 300

// EdgeNode es una instancia local registrada en la central.
type EdgeNode struct {
	InstanceID               string
	ServerID                 string
	GeoID                    string
	Endpoint                 string
	Status                   NodeStatus
	LastSeen                 *time.Time
	HeartbeatIntervalSeconds int
	NeedsFullSync            bool
	SyncQueueSize            int
	CPUPercent               float64
	MemoryPercent            float64
	DiskPercent              float64
	SyncStatus               SyncStatus
	LastFullSync             *time.Time
	LastSyncAt               *time.Time
	LastCursor               int64
	Version                  string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// HeartbeatInterval devuelve el intervalo como Duration (default si no es positivo).
func (n *EdgeNode) HeartbeatInterval() time.Duration {
	secs := n.HeartbeatIntervalSeconds
	if secs <= 0 {
		secs = DefaultHeartbeatInterval
	}
	return time.Duration(secs) * time.Second
}

// IsOnline aplica la regla de liveness: now - last_seen < 2 × heartbeat_interval.
func (n *EdgeNode) IsOnline(now time.Time) bool {
	if n.LastSeen == nil {
		return false
	}
	return now.Sub(*n.LastSeen) < 2*n.HeartbeatInterval()
}

// Liveness son los campos que actualiza cada heartbeat.
type Liveness struct {
	SeenAt        time.Time
	SyncQueueSize int
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	SyncStatus    SyncStatus
	Version       string
}

// EdgeNodeRepository persiste el registro de edge nodes.
// Los campos de liveness se escriben last-write-wins, sin transacción.
type EdgeNodeRepository interface {
	Create(ctx context.Context, n *EdgeNode) error
	GetByServerID(ctx context.Context, serverID string) (*EdgeNode, error)
	GetByInstanceID(ctx context.Context, instanceID string) (*EdgeNode, error)
	List(ctx context.Context, status NodeStatus) ([]*EdgeNode, error)

	// UpdateRegistration actualiza endpoint, geo, intervalo y versión de un re-registro.
	UpdateRegistration(ctx context.Context, n *EdgeNode) error
	UpdateLiveness(ctx context.Context, instanceID string, l Liveness) error
	SetStatus(ctx context.Context, instanceID string, status NodeStatus, at time.Time) error
	MarkFullSync(ctx context.Context, instanceID string, cursor int64, at time.Time) error
	MarkCursor(ctx context.Context, instanceID string, cursor int64, at time.Time) error
	SetNeedsFullSync(ctx context.Context, instanceID string, needs bool, at time.Time) error
}
