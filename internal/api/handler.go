// Package api exposes the session pipeline over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medxp/handoff/internal/knowledge"
	"github.com/medxp/handoff/internal/session"
	"github.com/medxp/handoff/internal/shared/errors"
	"github.com/medxp/handoff/internal/shared/logging"
)

// Handler provides HTTP handlers for sessions, enrichment and the knowledge store
type Handler struct {
	sessions  *session.Service
	knowledge *knowledge.Store
}

// NewHandler creates a new API handler
func NewHandler(sessions *session.Service, store *knowledge.Store) *Handler {
	return &Handler{sessions: sessions, knowledge: store}
}

// Routes registers the API routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/{sessionID}", h.GetSession)
		r.Get("/{sessionID}/enrichment", h.GetEnrichment)
		r.Get("/{sessionID}/brief", h.GetBrief)
		r.Delete("/{sessionID}", h.CancelSession)
	})
	r.Post("/enrich", h.Enrich)
	r.Get("/knowledge/stats", h.KnowledgeStats)

	return r
}

// CreateSession runs a handoff session. With ?async=true the session is queued and 202 is returned.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errors.BadRequest("invalid request body"))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		sess, err := h.sessions.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, sess)
		return
	}

	sess, err := h.sessions.Run(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession returns the full session record
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetEnrichment returns the enrichment result once the enrichment barrier has passed
func (h *Handler) GetEnrichment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess.Enrichment == nil {
		writeError(w, r, errors.NotFound("enrichment", id))
		return
	}
	writeJSON(w, http.StatusOK, sess.Enrichment)
}

// GetBrief returns the five-key brief. ?detail=true returns the full report with confidence markers.
func (h *Handler) GetBrief(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess.Report == nil {
		writeError(w, r, errors.NotFound("brief", id))
		return
	}
	if r.URL.Query().Get("detail") == "true" {
		writeJSON(w, http.StatusOK, sess.Report)
		return
	}
	writeJSON(w, http.StatusOK, sess.Report.Brief)
}

// CancelSession cancels a pending or running session
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Cancel(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// Enrich returns the enrichment for a transcript and profile without running analyzers
func (h *Handler) Enrich(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errors.BadRequest("invalid request body"))
		return
	}

	result, err := h.sessions.Enrich(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// KnowledgeStats returns entry counts of the loaded knowledge store
func (h *Handler) KnowledgeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.knowledge.Stats())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, status, appErr)
		return
	}
	writeJSON(w, status, map[string]string{
		"error": http.StatusText(status),
	})
}
