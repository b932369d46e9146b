// Package audit registra eventos de auditoría: el log estructurado general
// y el historial persistido del ciclo de vida de secretos.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// Log escribe un evento de auditoría estructurado en el logger del contexto.
func Log(ctx context.Context, event string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("audit_event", event))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	logger.From(ctx).Named("audit").Info(event, zf...)
}

// Trail persiste acciones sobre secretos en el AuditRepository.
// Es best-effort: un fallo de escritura se loguea y no interrumpe la operación auditada.
type Trail struct {
	repo  repository.AuditRepository
	clock clock.Clock
	log   *zap.Logger
}

// NewTrail crea un Trail. repo nil deja sólo el log.
func NewTrail(repo repository.AuditRepository, c clock.Clock, l *zap.Logger) *Trail {
	return &Trail{repo: repo, clock: clock.OrReal(c), log: logger.OrNamed(l, "audit")}
}

// Record registra action sobre s.
func (t *Trail) Record(ctx context.Context, s *repository.SharedSecret, action repository.AuditAction, actor, reason string) {
	if t == nil || s == nil {
		return
	}
	e := &repository.SecretAuditEntry{
		SecretID:   s.ID,
		SecretType: s.Type,
		EdgeNodeID: s.NodeKey(),
		Action:     action,
		Actor:      actor,
		Reason:     reason,
		CreatedAt:  t.clock.Now(),
	}
	t.log.Info("secret audit",
		logger.SecretID(e.SecretID),
		logger.SecretType(string(e.SecretType)),
		logger.InstanceID(e.EdgeNodeID),
		zap.String("action", string(action)),
		logger.Actor(actor),
		logger.Reason(reason),
	)
	if t.repo == nil {
		return
	}
	if err := t.repo.Append(ctx, e); err != nil {
		t.log.Error("secret audit persist failed", logger.SecretID(e.SecretID), logger.Err(err))
	}
}

// History devuelve las entradas de un secreto en orden cronológico.
func (t *Trail) History(ctx context.Context, secretID string) ([]*repository.SecretAuditEntry, error) {
	if t == nil || t.repo == nil {
		return nil, repository.ErrNoDatabase
	}
	return t.repo.ListBySecret(ctx, secretID)
}

// Purge elimina entradas anteriores a before.
func (t *Trail) Purge(ctx context.Context, before time.Time) (int64, error) {
	if t == nil || t.repo == nil {
		return 0, nil
	}
	return t.repo.PurgeBefore(ctx, before)
}
