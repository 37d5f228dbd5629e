package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pingline/pingline-gateway/internal/pkg/response"
	"github.com/pingline/pingline-gateway/internal/pkg/validator"
)

// Handler exposes the gateway's observability and push surface over HTTP
type Handler struct {
	gw *Gateway
	// internalToken guards the notify endpoint; empty disables the endpoint
	internalToken string
}

// NewHandler creates the gateway HTTP handler
func NewHandler(gw *Gateway, internalToken string) *Handler {
	return &Handler{gw: gw, internalToken: internalToken}
}

// GetOnline handles GET /gateway/online
func (h *Handler) GetOnline(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]any{"users": h.gw.OnlineUsers()})
}

// GetOnlineStatus handles GET /gateway/online/{id}
func (h *Handler) GetOnlineStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}
	response.OK(w, map[string]any{
		"user_id": userID,
		"online":  h.gw.IsUserOnline(userID),
	})
}

// GetMetrics handles GET /gateway/metrics
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.gw.Metrics())
}

// NotifyRequest is the push body sent by the REST layer after persisting
type NotifyRequest struct {
	UserID string          `json:"user_id" validate:"required,uuid4"`
	Event  string          `json:"event" validate:"required,min=1,max=64"`
	Data   json.RawMessage `json:"data"`
}

// Notify handles POST /gateway/notify. It is the external-facing push path:
// the REST collaborator persists a message, then calls here to fan it out.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	if h.internalToken == "" || r.Header.Get("Authorization") != "Bearer "+h.internalToken {
		response.Unauthorized(w, "Invalid internal token")
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if fieldErrors := validator.Validate(&req); fieldErrors != nil {
		response.ValidationError(w, fieldErrors)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}

	delivered := h.gw.NotifyUser(userID, EventType(req.Event), req.Data)
	response.Accepted(w, map[string]any{
		"accepted": delivered,
		"online":   h.gw.IsUserOnline(userID),
	})
}
