// Package router arma el árbol de rutas HTTP de la central sobre chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	healthctrl "github.com/dropDatabas3/edgesync/internal/http/controllers/health"
	syncctrl "github.com/dropDatabas3/edgesync/internal/http/controllers/sync"
	httperrors "github.com/dropDatabas3/edgesync/internal/http/errors"
	mw "github.com/dropDatabas3/edgesync/internal/http/middlewares"
)

// Deps contiene todo lo que el router necesita.
type Deps struct {
	Logger *zap.Logger

	// Controllers
	Sync   *syncctrl.Controllers
	Health *healthctrl.Controllers

	// Middlewares
	SyncGate     mw.Middleware // gate HMAC con secreto sync
	NodeAuthGate mw.Middleware // gate HMAC con secreto node_auth
	RegisterRate mw.Middleware // rate limit de /sync/register (opcional)
	Metrics      *mw.HTTPMetrics

	// MetricsHandler sirve /metrics (opcional).
	MetricsHandler http.Handler
}

// New construye el handler raíz.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, httperrors.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, httperrors.ErrMethodNotAllowed)
	})

	// infra básica para todo
	r.Use(mw.Adapt(
		mw.WithRecover(),
		mw.WithRequestID(),
	))

	registerHealthRoutes(r, d)
	registerSyncRoutes(r, d)
	return r
}
