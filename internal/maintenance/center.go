package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/secrets"
)

// Nombres de los jobs de la central.
const (
	JobSecretExpiry  = "secret_expiry"
	JobStuckRotation = "stuck_rotation"
	JobOfflineNodes  = "offline_nodes"
	JobRetention     = "retention"
)

// SecretLifecycle es lo que los jobs de secretos usan del servicio.
type SecretLifecycle interface {
	CheckExpirations(ctx context.Context, th secrets.Thresholds) ([]secrets.ExpiryWarning, error)
	RotateSecret(ctx context.Context, t repository.SecretType, edgeNodeID, actor string, reason repository.RotationReason) (*secrets.RotationResult, error)
	ExpireSecret(ctx context.Context, secretID, actor string) error
	StuckSecrets(ctx context.Context, olderThan time.Duration) ([]*repository.SharedSecret, error)
}

// ─── secret_expiry ───

// ExpiryConfig ajusta el job de expiración.
type ExpiryConfig struct {
	Thresholds secrets.Thresholds
	// AutoRotateExpired emite un reemplazo después de expirar un secreto vencido.
	AutoRotateExpired bool
}

// SecretExpiryJob clasifica los secretos activos y actúa según el bucket:
//
//	warning     → log
//	auto_rotate → rotación scheduled
//	critical    → rotación scheduled + SecretCritical
//	expired     → expire (el servicio emite SecretExpired) + rotación si AutoRotateExpired
//
// node_auth y sync de un mismo nodo se recuperan uno con el otro, así que
// nunca se rotan los dos en la misma pasada, ni uno mientras la rotación
// del otro no fue entregada al edge. La rotación diferida se retoma en una
// pasada siguiente.
func SecretExpiryJob(svc SecretLifecycle, n notify.Notifier, clk clock.Clock, cfg ExpiryConfig) func(ctx context.Context) error {
	n = notify.OrNop(n)
	clk = clock.OrReal(clk)
	return func(ctx context.Context) error {
		log := logger.From(ctx)
		warnings, err := svc.CheckExpirations(ctx, cfg.Thresholds)
		if err != nil {
			return fmt.Errorf("check expirations: %w", err)
		}

		pairs := newPairGuard(warnings)
		var errs []error
		rotated, expired, deferred := 0, 0, 0
		rotate := func(sec *repository.SharedSecret) bool {
			if why := pairs.blocked(sec); why != "" {
				log.Info("secret rotation deferred", logger.SecretID(sec.ID),
					logger.SecretType(string(sec.Type)), logger.Reason(why))
				deferred++
				return false
			}
			if _, err := svc.RotateSecret(ctx, sec.Type, sec.NodeKey(), secrets.ActorSystem, repository.ReasonScheduled); err != nil {
				errs = append(errs, fmt.Errorf("rotate %s: %w", sec.ID, err))
				return false
			}
			pairs.rotated(sec)
			rotated++
			return true
		}

		for _, w := range warnings {
			sec := w.Secret
			switch w.Class {
			case secrets.ClassWarning:
				log.Warn("secret expiring soon", logger.SecretID(sec.ID), logger.Any("days_left", w.DaysLeft))

			case secrets.ClassAutoRotate, secrets.ClassCritical:
				if rotate(sec) && w.Class == secrets.ClassCritical {
					emit(ctx, n, notify.Event{
						Kind:       notify.SecretCritical,
						Severity:   notify.Critical,
						Message:    fmt.Sprintf("%s secret %s had %.1f days left; rotated", sec.Type, sec.ID, w.DaysLeft),
						SecretID:   sec.ID,
						SecretType: string(sec.Type),
						EdgeNodeID: sec.NodeKey(),
						At:         clk.Now(),
					})
				}

			case secrets.ClassExpired:
				if err := svc.ExpireSecret(ctx, sec.ID, secrets.ActorSystem); err != nil {
					errs = append(errs, fmt.Errorf("expire %s: %w", sec.ID, err))
					continue
				}
				expired++
				if cfg.AutoRotateExpired {
					rotate(sec)
				}
			}
		}
		if rotated > 0 || expired > 0 || deferred > 0 {
			log.Info("secret expiry processed", logger.Int("rotated", rotated),
				logger.Int("expired", expired), logger.Int("deferred", deferred))
		}
		return errors.Join(errs...)
	}
}

// siblingOf devuelve el otro secreto por nodo ("" para api).
func siblingOf(t repository.SecretType) repository.SecretType {
	switch t {
	case repository.SecretTypeNodeAuth:
		return repository.SecretTypeSync
	case repository.SecretTypeSync:
		return repository.SecretTypeNodeAuth
	}
	return ""
}

type pairGuard struct {
	active  map[string]*repository.SharedSecret
	touched map[string]bool
}

func newPairGuard(ws []secrets.ExpiryWarning) *pairGuard {
	g := &pairGuard{active: make(map[string]*repository.SharedSecret, len(ws)), touched: map[string]bool{}}
	for _, w := range ws {
		g.active[string(w.Secret.Type)+"|"+w.Secret.NodeKey()] = w.Secret
	}
	return g
}

// blocked devuelve por qué no se puede rotar sec ahora ("" si se puede).
func (g *pairGuard) blocked(sec *repository.SharedSecret) string {
	sib := siblingOf(sec.Type)
	if sib == "" {
		return ""
	}
	node := sec.NodeKey()
	if g.touched[node] {
		return "sibling secret rotated in this pass"
	}
	// un reemplazo que el edge todavía no usó ni retiró no está entregado
	if s := g.active[string(sib)+"|"+node]; s != nil && s.PreviousSecretID != nil && s.LastUsedAt == nil {
		return "sibling rotation not yet delivered"
	}
	return ""
}

func (g *pairGuard) rotated(sec *repository.SharedSecret) {
	if siblingOf(sec.Type) != "" {
		g.touched[sec.NodeKey()] = true
	}
}

func emit(ctx context.Context, n notify.Notifier, ev notify.Event) {
	if err := n.Notify(ctx, ev); err != nil {
		logger.From(ctx).Warn("notify failed", logger.String("kind", string(ev.Kind)), logger.Err(err))
	}
}

// ─── stuck_rotation ───

// stuckDedupe es la ventana en la que no se repite la alerta de un mismo secreto.
const stuckDedupe = 24 * time.Hour

// StuckRotationJob alerta por secretos pending más viejos que olderThan,
// una vez por secreto cada 24h.
func StuckRotationJob(svc SecretLifecycle, n notify.Notifier, clk clock.Clock, olderThan time.Duration) func(ctx context.Context) error {
	n = notify.OrNop(n)
	clk = clock.OrReal(clk)
	if olderThan <= 0 {
		olderThan = 24 * time.Hour
	}
	seen := gocache.New(stuckDedupe, time.Hour)
	return func(ctx context.Context) error {
		stuck, err := svc.StuckSecrets(ctx, olderThan)
		if err != nil {
			return fmt.Errorf("stuck secrets: %w", err)
		}
		for _, sec := range stuck {
			if _, dup := seen.Get(sec.ID); dup {
				continue
			}
			seen.SetDefault(sec.ID, true)
			logger.From(ctx).Error("secret rotation stuck", logger.SecretID(sec.ID), logger.SecretType(string(sec.Type)))
			emit(ctx, n, notify.Event{
				Kind:       notify.RotationStuck,
				Severity:   notify.Critical,
				Message:    fmt.Sprintf("%s secret %s pending since %s", sec.Type, sec.ID, sec.CreatedAt.Format(time.RFC3339)),
				SecretID:   sec.ID,
				SecretType: string(sec.Type),
				EdgeNodeID: sec.NodeKey(),
				At:         clk.Now(),
			})
		}
		return nil
	}
}

// ─── offline_nodes ───

// OfflineDetector marca nodos offline.
type OfflineDetector interface {
	DetectOffline(ctx context.Context) ([]*repository.EdgeNode, error)
}

// OfflineNodesJob delega en el registry (que notifica NodeOffline por nodo).
func OfflineNodesJob(d OfflineDetector) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		nodes, err := d.DetectOffline(ctx)
		if err != nil {
			return err
		}
		if len(nodes) > 0 {
			logger.From(ctx).Info("nodes marked offline", logger.Count(len(nodes)))
		}
		return nil
	}
}

// ─── retention ───

// Purger borra filas anteriores a un instante.
type Purger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// PurgerFunc adapta una función a Purger.
type PurgerFunc func(ctx context.Context, before time.Time) (int64, error)

func (f PurgerFunc) PurgeBefore(ctx context.Context, before time.Time) (int64, error) { return f(ctx, before) }

// Retention es una tabla a podar con su ventana.
type Retention struct {
	Name   string
	Keep   time.Duration
	Purger Purger
}

// RetentionJob poda cada tabla con su ventana. Una ventana ≤0 desactiva la poda.
func RetentionJob(clk clock.Clock, targets ...Retention) func(ctx context.Context) error {
	clk = clock.OrReal(clk)
	return func(ctx context.Context) error {
		now := clk.Now()
		var errs []error
		for _, t := range targets {
			if t.Keep <= 0 || t.Purger == nil {
				continue
			}
			n, err := t.Purger.PurgeBefore(ctx, now.Add(-t.Keep))
			if err != nil {
				errs = append(errs, fmt.Errorf("purge %s: %w", t.Name, err))
				continue
			}
			if n > 0 {
				logger.From(ctx).Info("rows purged", logger.String("table", t.Name), logger.Int("rows", int(n)))
			}
		}
		return errors.Join(errs...)
	}
}
