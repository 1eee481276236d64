// Package api provides the HTTP front door of the bridge.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/niya-labs/niya-bridge/internal/agent"
	"github.com/niya-labs/niya-bridge/internal/lifecycle"
	"github.com/niya-labs/niya-bridge/internal/store"
)

// Handler serves the bridge endpoints.
type Handler struct {
	repo   store.Repository
	mgr    *lifecycle.Manager
	client agent.Client
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, mgr *lifecycle.Manager, client agent.Client) *Handler {
	return &Handler{
		repo:   repo,
		mgr:    mgr,
		client: client,
	}
}

// RegisterRoutes mounts the bridge endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/message", h.Message)
	r.Get("/health", h.Health)
	r.Post("/reset", h.Reset)
	r.Get("/memory/status", h.MemoryStatus)
	r.Get("/memory/facts", h.MemoryFacts)
	r.Get("/ws/chat", h.ChatSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type messageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type messageResponse struct {
	Success        bool                   `json:"success"`
	Response       string                 `json:"response"`
	Messages       []string               `json:"messages"`
	IsMultiMessage bool                   `json:"is_multi_message"`
	TotalMessages  int                    `json:"total_messages"`
	SessionID      string                 `json:"session_id"`
	Diagnostics    *lifecycle.Diagnostics `json:"diagnostics,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// Message handles one conversation turn.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "default"
	}

	result, err := h.mgr.HandleTurn(r.Context(), req.SessionID, req.UserID, req.Message)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	JSON(w, http.StatusOK, messageResponse{
		Success:        !result.Fallback,
		Response:       result.Reply,
		Messages:       result.Messages,
		IsMultiMessage: len(result.Messages) > 1,
		TotalMessages:  len(result.Messages),
		SessionID:      result.SessionID,
		Diagnostics:    &result.Diagnostics,
	})
}

// Health reports service and agent-service connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":          "healthy",
		"service":         "niya-bridge",
		"agent_connected": true,
	}

	if err := h.repo.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database_error"] = err.Error()
	}
	if err := h.client.Health(r.Context()); err != nil {
		status["status"] = "degraded"
		status["agent_connected"] = false
	}

	code := http.StatusOK
	if status["status"] != "healthy" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, status)
}

type resetRequest struct {
	SessionID string `json:"session_id"`
}

// Reset forces a session's agent instance to be replaced on the next
// turn.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := h.mgr.Reset(r.Context(), req.SessionID); err != nil {
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": req.SessionID,
	})
}

// MemoryStatus reports memory health and lifecycle counters.
func (h *Handler) MemoryStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	status, err := h.mgr.Status(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session status")
		return
	}
	if status == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, status)
}

type factPayload struct {
	Type              string  `json:"fact_type"`
	Category          string  `json:"category"`
	KeyPhrase         string  `json:"key_phrase"`
	Value             string  `json:"value"`
	Confidence        float64 `json:"confidence"`
	Priority          string  `json:"priority"`
	ConfirmationCount int     `json:"confirmation_count"`
	Contradictions    int     `json:"contradictions"`
}

// MemoryFacts lists the stored facts of a session.
func (h *Handler) MemoryFacts(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	facts, err := h.repo.ListFacts(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load facts")
		return
	}

	payload := make([]factPayload, 0, len(facts))
	for _, f := range facts {
		payload = append(payload, factPayload{
			Type:              f.Type,
			Category:          f.Category,
			KeyPhrase:         f.KeyPhrase,
			Value:             f.Value,
			Confidence:        f.Confidence,
			Priority:          string(f.Priority),
			ConfirmationCount: f.ConfirmationCount,
			Contradictions:    len(f.Contradictions),
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"facts":      payload,
		"count":      len(payload),
	})
}
