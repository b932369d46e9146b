package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// Log escribe cada evento en el logger estructurado.
type Log struct {
	log *zap.Logger
}

// NewLog crea un notifier de log. l puede ser nil (usa el singleton).
func NewLog(l *zap.Logger) *Log {
	return &Log{log: logger.OrNamed(l, "notify")}
}

func (n *Log) Notify(ctx context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Kind)),
		zap.String("severity", ev.Severity.String()),
	}
	if ev.SecretID != "" {
		fields = append(fields, logger.SecretID(ev.SecretID), logger.SecretType(ev.SecretType))
	}
	if ev.EdgeNodeID != "" {
		fields = append(fields, logger.InstanceID(ev.EdgeNodeID))
	}
	if ev.ServerID != "" {
		fields = append(fields, logger.ServerID(ev.ServerID))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	switch ev.Severity {
	case Critical:
		n.log.Error(ev.Message, fields...)
	case Warning:
		n.log.Warn(ev.Message, fields...)
	default:
		n.log.Info(ev.Message, fields...)
	}
	return nil
}
