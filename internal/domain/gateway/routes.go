package gateway

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the gateway surface: the WebSocket endpoint and the
// REST observability/push endpoints.
func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/ws", h.gw.ServeWS)

	r.Route("/api/v1/gateway", func(r chi.Router) {
		r.Get("/online", h.GetOnline)
		r.Get("/online/{id}", h.GetOnlineStatus)
		r.Get("/metrics", h.GetMetrics)
		r.Post("/notify", h.Notify)
	})
}
