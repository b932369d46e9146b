package sync

import (
	"net/http"

	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	httperrors "github.com/dropDatabas3/edgesync/internal/http/errors"
	"github.com/dropDatabas3/edgesync/internal/http/middlewares"
	svc "github.com/dropDatabas3/edgesync/internal/http/services/sync"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// RegisterController maneja el alta de nodos y la entrega de secretos.
type RegisterController struct {
	service svc.RegisterService
}

// NewRegisterController crea el controller.
func NewRegisterController(s svc.RegisterService) *RegisterController {
	return &RegisterController{service: s}
}

// Register maneja POST /sync/register
// Requiere X-Registration-Token; X-Node-Secret si el nodo ya existe.
func (c *RegisterController) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("RegisterController.Register"))

	var req dto.RegisterRequest
	if err := decodeJSON(w, r, 16<<10, &req); err != nil {
		httperrors.WriteError(w, err)
		return
	}
	token := r.Header.Get(dto.HeaderRegistrationToken)
	nodeSecret := r.Header.Get(dto.HeaderNodeSecret)

	resp, err := c.service.Register(ctx, token, nodeSecret, req)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	status := http.StatusCreated
	if resp.Reregistered {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// Rekey maneja POST /sync/rekey (gate con secreto node_auth).
func (c *RegisterController) Rekey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("RegisterController.Rekey"))

	node := middlewares.GetNode(ctx)
	if node == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	resp, err := c.service.Rekey(ctx, node)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// NodeAuth maneja POST /sync/node-auth (gate con secreto sync).
func (c *RegisterController) NodeAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("RegisterController.NodeAuth"))

	node := middlewares.GetNode(ctx)
	if node == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	resp, err := c.service.NodeAuth(ctx, node)
	if err != nil {
		handleServiceError(w, r, err, log)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
