package router

import (
	"github.com/go-chi/chi/v5"
)

// registerHealthRoutes registra /readyz, /livez y /metrics.
// Sin auth ni logging (se consultan con mucha frecuencia).
func registerHealthRoutes(r chi.Router, d Deps) {
	if d.Health != nil {
		r.Get("/readyz", d.Health.Health.Readyz)
		r.Head("/readyz", d.Health.Health.Readyz)
		r.Get("/livez", d.Health.Health.Livez)
	}
	if d.MetricsHandler != nil {
		r.Method("GET", "/metrics", d.MetricsHandler)
	}
}
