package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/parley/internal/agent"
	"github.com/nidhogg/parley/internal/config"
	"github.com/nidhogg/parley/internal/engine"
	"github.com/nidhogg/parley/internal/event"
	"github.com/nidhogg/parley/internal/memory"
	"github.com/nidhogg/parley/internal/provider"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine      *engine.Engine
	registry    *agent.Registry
	gateway     provider.Gateway
	broadcaster *event.Broadcaster
	cfg         *config.Config
	logger      *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	eng *engine.Engine,
	registry *agent.Registry,
	gateway provider.Gateway,
	broadcaster *event.Broadcaster,
	cfg *config.Config,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:      eng,
		registry:    registry,
		gateway:     gateway,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/config", h.getConfig)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)

		r.Get("/conversations", h.listConversations)
		r.Post("/conversations", h.createConversation)
		r.Get("/conversations/{id}", h.getConversation)
		r.Delete("/conversations/{id}", h.deleteConversation)
		r.Post("/conversations/{id}/start", h.controlHandler(h.engine.Start, "started"))
		r.Post("/conversations/{id}/pause", h.controlHandler(h.engine.Pause, "paused"))
		r.Post("/conversations/{id}/resume", h.controlHandler(h.engine.Resume, "resumed"))
		r.Post("/conversations/{id}/stop", h.controlHandler(h.engine.Stop, "stopped"))
		r.Post("/conversations/{id}/retry", h.controlHandler(h.engine.Retry, "retrying"))

		r.Get("/llm/test", h.testLLM)
	})

	r.Get("/ws", h.serveWS)

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "parley"})
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	// Sanitized view: no connection strings or API keys.
	writeJSON(w, http.StatusOK, map[string]any{
		"llm_provider":      h.cfg.LLM.Provider,
		"llm_model":         h.cfg.LLM.Model(),
		"memory_type":       h.cfg.Memory.Type,
		"max_turns_default": h.cfg.Conversation.MaxTurns,
		"unlimited_mode":    h.cfg.Conversation.Unlimited,
		"turn_interval":     h.cfg.Conversation.TurnInterval.Seconds(),
		"history_limit":     h.cfg.Conversation.HistoryLimit,
		"context_limit":     h.cfg.Conversation.ContextLimit,
		"streaming":         h.cfg.LLM.EnableStreaming,
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.engine.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	conv, err := h.engine.Create(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"conversation_id": conv.ID,
		"status":          conv.Status,
		"message":         "conversation created",
		"data":            conv,
	})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// controlHandler wraps the engine's lifecycle operations into a uniform
// endpoint shape.
func (h *Handler) controlHandler(op func(ctx context.Context, id string) error, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"conversation_id": id,
			"status":          verb,
		})
	}
}

func (h *Handler) testLLM(w http.ResponseWriter, r *http.Request) {
	info := h.gateway.TestConnection(r.Context())
	status := http.StatusOK
	if !info.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, info)
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrConversationNotFound), errors.Is(err, agent.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
