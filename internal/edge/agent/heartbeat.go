package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/edge/localdb"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// Comandos que la central puede encolar para el nodo.
const (
	CommandFullResync = "full_resync"
	CommandRekey      = "rekey"
)

// Sampler mide el uso de recursos del host.
type Sampler interface {
	Sample(ctx context.Context) (dto.HeartbeatMetrics, error)
}

// SystemSampler usa gopsutil. DiskPath default "/".
type SystemSampler struct {
	DiskPath string
}

func (s SystemSampler) Sample(ctx context.Context) (dto.HeartbeatMetrics, error) {
	var m dto.HeartbeatMetrics
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, fmt.Errorf("cpu: %w", err)
	}
	if len(pct) > 0 {
		m.CPU = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("memory: %w", err)
	}
	m.Memory = vm.UsedPercent

	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return m, fmt.Errorf("disk: %w", err)
	}
	m.Disk = du.UsedPercent
	return m, nil
}

// Heartbeat reporta métricas y profundidad de cola, y procesa la respuesta:
// needsFullSync y comandos pendientes.
func (a *Agent) Heartbeat(ctx context.Context) error {
	metrics, err := a.sampler.Sample(ctx)
	if err != nil {
		// sin métricas el heartbeat igual sirve de liveness
		a.log.Debug("metrics sample failed", logger.Err(err))
	}
	queue, err := a.outbox.Pending(ctx)
	if err != nil {
		return fmt.Errorf("outbox depth: %w", err)
	}
	if _, err := a.outbox.Depth(ctx); err != nil {
		a.log.Debug("outbox depth gauge failed", logger.Err(err))
	}

	now := a.clock.Now()
	resp, err := a.central.Heartbeat(ctx, dto.HeartbeatRequest{
		Metrics:    metrics,
		QueueSize:  queue,
		Timestamp:  &now,
		Version:    a.cfg.Version,
		SyncStatus: a.syncStatus.Load().(string),
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if resp.NeedsFullSync {
		a.needsFull.Store(true)
	}
	if skew := resp.ServerTime.Sub(now); !resp.ServerTime.IsZero() && (skew > time.Minute || skew < -time.Minute) {
		a.log.Warn("clock drift against central", logger.Duration(skew))
	}
	for _, c := range resp.Commands {
		a.handleCommand(ctx, c)
	}
	a.syncNodeAuth(ctx, resp.NodeAuthSecretID)
	return nil
}

// syncNodeAuth pide el node_auth nuevo si el de la central no es el guardado.
// "" (sin node_auth vigente) también dispara el pedido: la central lo reemite.
func (a *Agent) syncNodeAuth(ctx context.Context, centralID string) {
	local, err := a.state.Get(ctx, localdb.KeyNodeAuthID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		a.log.Warn("read node_auth id failed", logger.Err(err))
		return
	}
	if centralID != "" && centralID == local {
		return
	}
	if err := a.RefreshNodeAuth(ctx); err != nil {
		a.log.Error("node_auth refresh failed", logger.Err(err))
	}
}

func (a *Agent) handleCommand(ctx context.Context, c dto.Command) {
	log := a.log.With(logger.String("command", c.Command), logger.String("command_id", c.ID))
	switch c.Command {
	case CommandFullResync:
		a.needsFull.Store(true)
		log.Info("full resync requested")
	case CommandRekey:
		if err := a.Rekey(ctx); err != nil {
			log.Error("rekey command failed", logger.Err(err))
		}
	default:
		log.Warn("unknown command ignored")
	}
}

func (a *Agent) setSyncStatus(s repository.SyncStatus) {
	a.syncStatus.Store(string(s))
}
