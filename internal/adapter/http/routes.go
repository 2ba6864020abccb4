package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.hub.HandleWS)

	r.Route("/api", func(r chi.Router) {
		// Requests
		r.Post("/requests", h.SubmitRequest)
		r.Get("/requests/{id}", h.GetRequest)
		r.Get("/requests/{id}/history", h.GetRequestHistory)
		r.Get("/requests/{id}/executions", h.ListRequestExecutions)
		r.Post("/requests/{id}/scope-change", h.RequestScopeChange)
		r.Post("/requests/{id}/cancel", h.CancelRequest)

		// Approvals
		r.Get("/approvals", h.ListApprovals)
		r.Post("/approvals/{id}/resolve", h.ResolveApproval)

		// Escalations
		r.Get("/escalations", h.ListEscalations)
		r.Post("/escalations/{id}/resolve", h.ResolveEscalation)
	})
}
