// Package sync contiene los DTOs del protocolo central/edge (/sync/*).
// Los nombres JSON son camelCase; ambos lados (central y edge) comparten estos tipos.
package sync

import (
	"encoding/json"
	"time"
)

// Operaciones admitidas en push/item.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpSync   = "sync"
)

// ValidOperation indica si op es una operación conocida.
func ValidOperation(op string) bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpSync:
		return true
	}
	return false
}

// Motivos de resultado por item en push.
const (
	ReasonApplied   = "applied"
	ReasonDuplicate = "duplicate"
	ReasonStale     = "stale"
	ReasonClockSkew = "clock_skew"
	ReasonInvalid   = "invalid"
)

// ─── Heartbeat ───

// HeartbeatMetrics son porcentajes de uso de recursos del edge.
type HeartbeatMetrics struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

// HeartbeatRequest es el body de POST /sync/heartbeat.
type HeartbeatRequest struct {
	Metrics    HeartbeatMetrics `json:"metrics"`
	QueueSize  int              `json:"queueSize"`
	Timestamp  *time.Time       `json:"timestamp,omitempty"`
	Version    string           `json:"version,omitempty"`
	SyncStatus string           `json:"syncStatus,omitempty"`
}

// Command es un comando pendiente entregado en la respuesta del heartbeat.
type Command struct {
	ID        string          `json:"id"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// HeartbeatResponse es la respuesta de POST /sync/heartbeat.
type HeartbeatResponse struct {
	Success       bool      `json:"success"`
	ServerTime    time.Time `json:"serverTime"`
	NeedsFullSync bool      `json:"needsFullSync"`
	Commands      []Command `json:"commands"`
	// NodeAuthSecretID es el node_auth activo en la central ("" si no hay
	// uno vigente). Si difiere del guardado, el edge lo pide a /sync/node-auth.
	NodeAuthSecretID string `json:"nodeAuthSecretId"`
}

// ─── Status ───

// StatusResponse es la vista del nodo devuelta por GET /sync/status.
type StatusResponse struct {
	Success          bool       `json:"success"`
	InstanceID       string     `json:"instanceId"`
	ServerID         string     `json:"serverId"`
	GeoID            string     `json:"geoId"`
	Status           string     `json:"status"`
	SyncStatus       string     `json:"syncStatus"`
	LastSeen         *time.Time `json:"lastSeen,omitempty"`
	LastFullSync     *time.Time `json:"lastFullSync,omitempty"`
	LastSyncAt       *time.Time `json:"lastSyncAt,omitempty"`
	LastCursor       int64      `json:"lastCursor"`
	NeedsFullSync    bool       `json:"needsFullSync"`
	SecretExpiresAt  *time.Time `json:"secretExpiresAt,omitempty"`
	SecretDaysLeft   *float64   `json:"secretDaysLeft,omitempty"`
	SecretExpiryRisk string     `json:"secretExpiryRisk,omitempty"`
	ServerTime       time.Time  `json:"serverTime"`
}

// ─── Pull ───

// Record es un registro de negocio tal como viaja hacia el edge.
type Record struct {
	Entity     string          `json:"entity"`
	ID         string          `json:"id"`
	GeoID      string          `json:"geoId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Deleted    bool            `json:"deleted"`
	Timestamp  time.Time       `json:"timestamp"`
	SourceNode string          `json:"sourceNode,omitempty"`
	SourceSeq  int64           `json:"sourceSeq"`
	Seq        int64           `json:"seq"`
}

// FullSyncRequest es el body de POST /sync/full.
type FullSyncRequest struct {
	Entities []string `json:"entities"`
}

// FullSyncResponse es el snapshot completo del scope del nodo.
type FullSyncResponse struct {
	Success    bool      `json:"success"`
	Records    []Record  `json:"records"`
	Cursor     int64     `json:"cursor"`
	ServerTime time.Time `json:"serverTime"`
}

// ChangesResponse es la respuesta de GET /sync/changes.
type ChangesResponse struct {
	Success bool     `json:"success"`
	Changes []Record `json:"changes"`
	Cursor  int64    `json:"cursor"`
	HasMore bool     `json:"hasMore"`
}

// ─── Push ───

// Change es una mutación local enviada por el edge.
type Change struct {
	Operation string          `json:"operation"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"`
}

// PushRequest es el body de POST /sync/push.
type PushRequest struct {
	Entity  string   `json:"entity"`
	Changes []Change `json:"changes"`
	GeoID   string   `json:"geoId,omitempty"`
}

// ItemResult es el resultado de aplicar un Change.
type ItemResult struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
}

// PushResponse es la respuesta de POST /sync/push.
type PushResponse struct {
	Success bool         `json:"success"`
	Results []ItemResult `json:"results"`
	Cursor  int64        `json:"cursor"`
}

// ItemRequest es el body de POST /sync/item.
type ItemRequest struct {
	Operation string          `json:"operation"`
	Entity    string          `json:"entity"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"`
	GeoID     string          `json:"geoId,omitempty"`
}

// ItemResponse es la respuesta de POST /sync/item.
type ItemResponse struct {
	Success bool   `json:"success"`
	Applied bool   `json:"applied"`
	Record  Record `json:"record"`
}

// ─── Registro ───

// RegisterRequest es el body de POST /sync/register.
type RegisterRequest struct {
	ServerID          string `json:"serverId"`
	GeoID             string `json:"geoId"`
	Endpoint          string `json:"endpoint"`
	HeartbeatInterval int    `json:"heartbeatInterval"`
	Version           string `json:"version"`
}

// RegisterSecrets son los plaintext emitidos; solo viajan en esta respuesta.
type RegisterSecrets struct {
	NodeAuth string `json:"node_auth,omitempty"`
	Sync     string `json:"sync"`
}

// RegisterResponse es la respuesta de POST /sync/register.
type RegisterResponse struct {
	Success      bool            `json:"success"`
	InstanceID   string          `json:"instanceId"`
	Secrets      RegisterSecrets `json:"secrets"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Reregistered bool            `json:"reregistered"`
	// NodeAuthSecretID acompaña a Secrets.NodeAuth cuando se emitió uno.
	NodeAuthSecretID string `json:"nodeAuthSecretId,omitempty"`
}

// RekeyResponse entrega el secreto sync activo a un edge autenticado con node_auth.
type RekeyResponse struct {
	Success   bool      `json:"success"`
	SecretID  string    `json:"secretId"`
	Sync      string    `json:"sync"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NodeAuthResponse entrega el node_auth activo a un edge autenticado con sync.
type NodeAuthResponse struct {
	Success   bool      `json:"success"`
	SecretID  string    `json:"secretId"`
	NodeAuth  string    `json:"nodeAuth"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Headers propios del registro.
const (
	HeaderRegistrationToken = "X-Registration-Token"
	HeaderNodeSecret        = "X-Node-Secret"
)
