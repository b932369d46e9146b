package repository

import (
	"context"
	"time"
)

// SecretType identifica el uso de un secreto compartido.
type SecretType string

const (
	// SecretTypeNodeAuth autentica al nodo frente a la central (rekey, re-registro).
	SecretTypeNodeAuth SecretType = "node_auth"
	// SecretTypeSync firma las requests de sincronización.
	SecretTypeSync SecretType = "sync"
	// SecretTypeAPI es global (sin edge node).
	SecretTypeAPI SecretType = "api"
)

// Valid indica si el tipo es conocido.
func (t SecretType) Valid() bool {
	switch t {
	case SecretTypeNodeAuth, SecretTypeSync, SecretTypeAPI:
		return true
	}
	return false
}

// SecretStatus es el estado del ciclo de vida de un secreto.
//
//	pending ──activate──▶ active ──successor──▶ inactive
//	                         │
//	                         ├──▶ expired      (terminal)
//	                         └──▶ compromised  (terminal)
type SecretStatus string

const (
	SecretPending     SecretStatus = "pending"
	SecretActive      SecretStatus = "active"
	SecretInactive    SecretStatus = "inactive"
	SecretExpired     SecretStatus = "expired"
	SecretCompromised SecretStatus = "compromised"
)

// Terminal indica que el secreto no puede volver a activarse.
func (s SecretStatus) Terminal() bool {
	return s == SecretExpired || s == SecretCompromised
}

// RotationReason registra por qué se emitió un secreto.
type RotationReason string

const (
	ReasonInitial          RotationReason = "initial"
	ReasonScheduled        RotationReason = "scheduled"
	ReasonManual           RotationReason = "manual"
	ReasonCompromise       RotationReason = "compromise"
	ReasonNodeRegistration RotationReason = "node_registration"
)

// Valid indica si la razón es conocida.
func (r RotationReason) Valid() bool {
	switch r {
	case ReasonInitial, ReasonScheduled, ReasonManual, ReasonCompromise, ReasonNodeRegistration:
		return true
	}
	return false
}

// SharedSecret es un secreto simétrico por (tipo, edge node).
// EncryptedValue es un blob de secretbox; ValueHash es sha256(plaintext) en hex.
type SharedSecret struct {
	ID               string
	Type             SecretType
	EdgeNodeID       *string // nil para secretos globales
	EncryptedValue   string
	ValueHash        string
	Status           SecretStatus
	ActivatedAt      *time.Time
	ExpiresAt        time.Time
	PreviousSecretID *string
	RotationReason   RotationReason
	CreatedBy        string
	CreatedAt        time.Time
	DeactivatedAt    *time.Time
	AccessCount      int64
	LastUsedAt       *time.Time
}

// NodeKey devuelve el edge node id o "" si el secreto es global.
func (s *SharedSecret) NodeKey() string {
	if s.EdgeNodeID == nil {
		return ""
	}
	return *s.EdgeNodeID
}

// NodeRef convierte un id vacío en nil.
func NodeRef(edgeNodeID string) *string {
	if edgeNodeID == "" {
		return nil
	}
	return &edgeNodeID
}

// SecretFilter filtra el listado de secretos. Campos vacíos no filtran.
type SecretFilter struct {
	Type          SecretType
	EdgeNodeID    string
	Status        SecretStatus
	CreatedBefore *time.Time
	Limit         int
}

// ActivationResult describe el efecto de una activación.
type ActivationResult struct {
	Secret      *SharedSecret
	Deactivated []string // ids que dejaron de estar activos
}

// SecretRepository persiste secretos compartidos.
//
// Activate y Rotate son las únicas escrituras que cambian qué secreto está
// activo. Ambas corren en una transacción que bloquea la tupla
// (secret_type, edge_node_id) de modo que nunca haya dos activos a la vez.
type SecretRepository interface {
	// ─── Lectura ───

	GetByID(ctx context.Context, id string) (*SharedSecret, error)

	// GetActive devuelve el secreto activo de la tupla o ErrNotFound.
	GetActive(ctx context.Context, t SecretType, edgeNodeID string) (*SharedSecret, error)

	List(ctx context.Context, f SecretFilter) ([]*SharedSecret, error)

	// ─── Escritura ───

	// Insert persiste un secreto nuevo (normalmente pending).
	Insert(ctx context.Context, s *SharedSecret) error

	// Activate desactiva cualquier otro activo de la misma tupla y activa id.
	// ErrNotFound si no existe; ErrInvalidInput si su estado es terminal.
	Activate(ctx context.Context, id string, at time.Time) (*ActivationResult, error)

	// Rotate inserta next como activo enlazado al activo actual de su tupla
	// y marca al anterior con prevStatus (inactive o compromised).
	// Devuelve el secreto anterior (nil si no había).
	Rotate(ctx context.Context, next *SharedSecret, prevStatus SecretStatus, at time.Time) (*SharedSecret, error)

	// SetStatus cambia el estado sin tocar la tupla activa (expired/compromised).
	SetStatus(ctx context.Context, id string, status SecretStatus, at time.Time) error

	// TouchUsage incrementa access_count y estampa last_used_at.
	TouchUsage(ctx context.Context, id string, at time.Time) error
}
