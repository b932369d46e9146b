package sync

import (
	"net/http"
	"strconv"

	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	httperrors "github.com/dropDatabas3/edgesync/internal/http/errors"
	"github.com/dropDatabas3/edgesync/internal/http/middlewares"
	svc "github.com/dropDatabas3/edgesync/internal/http/services/sync"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// SyncController maneja las rutas autenticadas por el gate HMAC.
type SyncController struct {
	service svc.SyncService
	maxBody int64
}

// NewSyncController crea el controller.
func NewSyncController(s svc.SyncService, maxBody int64) *SyncController {
	return &SyncController{service: s, maxBody: maxBody}
}

// Heartbeat maneja POST /sync/heartbeat
func (c *SyncController) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SyncController.Heartbeat"))

	node := middlewares.GetNode(ctx)
	if node == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	var req dto.HeartbeatRequest
	if err := decodeJSON(w, r, c.maxBody, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	resp, err := c.service.Heartbeat(ctx, node, req)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Status maneja GET /sync/status
func (c *SyncController) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SyncController.Status"))

	node := middlewares.GetNode(ctx)
	if node == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	resp, err := c.service.Status(ctx, node)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// FullSync maneja POST /sync/full
func (c *SyncController) FullSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SyncController.FullSync"))

	node := middlewares.GetNode(ctx)
	if node == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	var req dto.FullSyncRequest
	if err := decodeJSON(w, r, c.maxBody, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	resp, err := c.service.FullSync(ctx, node, req)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Changes maneja GET /sync/changes?since=<cursor>&limit=<n>
func (c *SyncController) Changes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SyncController.Changes"))

	node := middlewares.GetNode(ctx)
	if node == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	q := r.URL.Query()
	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httperrors.WriteError(w, httperrors.ErrInvalidParameter.WithDetail("since must be a non-negative integer"))
			return
		}
		since = n
	}
	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httperrors.WriteError(w, httperrors.ErrInvalidParameter.WithDetail("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	resp, err := c.service.Changes(ctx, node, since, limit)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Push maneja POST /sync/push
func (c *SyncController) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SyncController.Push"))

	node := middlewares.GetNode(ctx)
	if node == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	var req dto.PushRequest
	if err := decodeJSON(w, r, c.maxBody, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	resp, err := c.service.Push(ctx, node, req)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Item maneja POST /sync/item
func (c *SyncController) Item(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SyncController.Item"))

	node := middlewares.GetNode(ctx)
	if node == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	var req dto.ItemRequest
	if err := decodeJSON(w, r, c.maxBody, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	resp, err := c.service.Item(ctx, node, req)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
