package router

import (
	"github.com/go-chi/chi/v5"

	mw "github.com/dropDatabas3/edgesync/internal/http/middlewares"
)

// registerSyncRoutes registra /sync/*.
//
//	register → rate limit, sin gate (autentica con token de registro)
//	rekey    → gate node_auth (recupera sync)
//	resto    → gate sync (node-auth recupera node_auth)
func registerSyncRoutes(r chi.Router, d Deps) {
	if d.Sync == nil {
		return
	}
	c := d.Sync

	r.Route("/sync", func(r chi.Router) {
		r.Use(mw.Adapt(
			mw.WithMetrics(d.Metrics),
			mw.WithLogging(d.Logger, "/sync/heartbeat"),
		))

		r.With(mw.Adapt(d.RegisterRate)).Post("/register", c.Register.Register)
		r.With(mw.Adapt(d.NodeAuthGate)).Post("/rekey", c.Register.Rekey)

		r.Group(func(r chi.Router) {
			r.Use(mw.Adapt(d.SyncGate))

			r.Post("/heartbeat", c.Sync.Heartbeat)
			r.Get("/status", c.Sync.Status)
			r.Post("/full", c.Sync.FullSync)
			r.Get("/changes", c.Sync.Changes)
			r.Post("/push", c.Sync.Push)
			r.Post("/item", c.Sync.Item)
			r.Post("/node-auth", c.Register.NodeAuth)
		})
	})
}
