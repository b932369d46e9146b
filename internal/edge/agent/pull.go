package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/edge/localdb"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// maxPages acota las páginas de /sync/changes por pasada.
const maxPages = 100

// Pull trae cambios de la central: snapshot completo si hace falta
// (primer arranque o pedido de la central), si no incremental desde el cursor.
func (a *Agent) Pull(ctx context.Context) error {
	cursor, err := a.state.Cursor(ctx)
	if err != nil {
		return err
	}
	_, err = a.state.Get(ctx, localdb.KeyLastFullSync)
	neverSynced := errors.Is(err, repository.ErrNotFound)
	if err != nil && !neverSynced {
		return err
	}
	a.setSyncStatus(repository.SyncSyncing)
	if a.needsFull.Load() || neverSynced {
		err = a.FullSync(ctx)
	} else {
		err = a.pullChanges(ctx, cursor)
	}
	if err != nil {
		a.setSyncStatus(repository.SyncError)
		return err
	}
	a.setSyncStatus(repository.SyncIdle)
	return nil
}

// FullSync reemplaza la réplica con el snapshot de la central.
func (a *Agent) FullSync(ctx context.Context) error {
	resp, err := a.central.FullSync(ctx, a.cfg.Entities)
	if err != nil {
		return fmt.Errorf("full sync: %w", err)
	}
	recs := make([]*localdb.Record, 0, len(resp.Records))
	for i := range resp.Records {
		recs = append(recs, fromDTO(&resp.Records[i]))
	}
	if err := a.replica.Replace(ctx, a.cfg.Entities, recs); err != nil {
		return fmt.Errorf("replace replica: %w", err)
	}
	if err := a.state.ResetCursor(ctx, resp.Cursor); err != nil {
		return err
	}
	a.needsFull.Store(false)
	a.log.Info("full sync completed", logger.Count(len(recs)), logger.Cursor(resp.Cursor))
	return nil
}

func (a *Agent) pullChanges(ctx context.Context, cursor int64) error {
	applied := 0
	for page := 0; page < maxPages; page++ {
		resp, err := a.central.Changes(ctx, cursor, a.cfg.PullLimit)
		if err != nil {
			return fmt.Errorf("changes since %d: %w", cursor, err)
		}
		for i := range resp.Changes {
			ok, err := a.replica.Apply(ctx, fromDTO(&resp.Changes[i]))
			if err != nil {
				return fmt.Errorf("replica apply: %w", err)
			}
			if ok {
				applied++
			}
		}
		if err := a.state.SetCursor(ctx, resp.Cursor); err != nil {
			return err
		}
		cursor = resp.Cursor
		if !resp.HasMore {
			break
		}
	}
	if applied > 0 {
		a.log.Debug("changes applied", logger.Count(applied), logger.Cursor(cursor))
	}
	return nil
}

func fromDTO(r *dto.Record) *localdb.Record {
	return &localdb.Record{
		Entity:     r.Entity,
		EntityID:   r.ID,
		GeoID:      r.GeoID,
		Payload:    r.Data,
		Deleted:    r.Deleted,
		SourceTS:   r.Timestamp,
		SourceNode: r.SourceNode,
		SourceSeq:  r.SourceSeq,
		Seq:        r.Seq,
	}
}
