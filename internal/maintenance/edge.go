package maintenance

import (
	"context"
	"time"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// Nombres de los jobs del edge.
const (
	JobOutboxRetention = "outbox_retention"
	JobOutboxRequeue   = "outbox_requeue"
)

// OutboxMaintainer es lo que los jobs del edge usan del outbox local.
type OutboxMaintainer interface {
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// OutboxRetentionJob borra filas completed más viejas que keep.
func OutboxRetentionJob(o OutboxMaintainer, clk clock.Clock, keep time.Duration) func(ctx context.Context) error {
	clk = clock.OrReal(clk)
	return func(ctx context.Context) error {
		if keep <= 0 {
			return nil
		}
		n, err := o.PurgeCompleted(ctx, clk.Now().Add(-keep))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.From(ctx).Info("outbox rows purged", logger.Int("rows", int(n)))
		}
		return nil
	}
}

// OutboxRequeueJob devuelve a pending las filas processing abandonadas (crash del pusher).
func OutboxRequeueJob(o OutboxMaintainer, after time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := o.RequeueStale(ctx, after)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.From(ctx).Warn("stale outbox rows requeued", logger.Int("rows", int(n)))
		}
		return nil
	}
}
