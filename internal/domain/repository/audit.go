package repository

import (
	"context"
	"time"
)

// AuditAction es una acción del ciclo de vida de secretos.
type AuditAction string

const (
	AuditGenerated        AuditAction = "generated"
	AuditActivated        AuditAction = "activated"
	AuditDeactivated      AuditAction = "deactivated"
	AuditRotated          AuditAction = "rotated"
	AuditExpired          AuditAction = "expired"
	AuditCompromised      AuditAction = "compromised"
	AuditRevealed         AuditAction = "revealed"
	AuditValidationFailed AuditAction = "validation_failed"
)

// SecretAuditEntry registra una acción sobre un secreto.
type SecretAuditEntry struct {
	ID         int64
	SecretID   string
	SecretType SecretType
	EdgeNodeID string
	Action     AuditAction
	Actor      string
	Reason     string
	CreatedAt  time.Time
}

// AuditRepository persiste el log de auditoría de secretos.
type AuditRepository interface {
	Append(ctx context.Context, e *SecretAuditEntry) error
	ListBySecret(ctx context.Context, secretID string) ([]*SecretAuditEntry, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}
