// Package handlers implements the HTTP handlers for the Loopwire control
// plane: the chat stream endpoint, session management, event replay, and
// the runtime health surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/loopwire/loopwire/internal/api/middleware"
	"github.com/loopwire/loopwire/internal/chat"
	"github.com/loopwire/loopwire/internal/runtime"
	"github.com/loopwire/loopwire/internal/sessions"
	"github.com/loopwire/loopwire/internal/stream"
	"github.com/loopwire/loopwire/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Chat     *chat.Service
	Sessions sessions.Store
	Buffer   *stream.Buffer
	Registry *stream.Registry
	Bridge   *stream.Bridge
	Monitor  *runtime.Monitor
}

// New creates a new Handlers instance.
func New(svc *chat.Service, store sessions.Store, buf *stream.Buffer, reg *stream.Registry, bridge *stream.Bridge, mon *runtime.Monitor) *Handlers {
	return &Handlers{
		Chat:     svc,
		Sessions: store,
		Buffer:   buf,
		Registry: reg,
		Bridge:   bridge,
		Monitor:  mon,
	}
}

// ── Chat Stream ──────────────────────────────────────────────

// ChatStream accepts one user turn and streams the agent's response back
// as server-sent events. Admission failures are reported as plain HTTP
// errors; once the stream is open, failures arrive as error events.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	req.UserID = middleware.GetUserID(r.Context())
	req.OrgID = middleware.GetOrgID(r.Context())

	err := h.Chat.Stream(r.Context(), func() (stream.Transport, error) {
		return stream.NewSSEWriter(w, r)
	}, req)
	if err == nil {
		return
	}

	var tooLong *chat.MessageTooLongError
	var unavailable *chat.WorkerUnavailableError
	var limit *stream.ConnectionLimitError
	switch {
	case errors.As(err, &tooLong):
		respondError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &unavailable):
		if unavailable.RetryAfterMs > 0 {
			seconds := (unavailable.RetryAfterMs + 999) / 1000
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &limit):
		respondError(w, http.StatusTooManyRequests, err.Error())
	default:
		// The stream may already be open here; the write is best effort.
		log.Warn().Err(err).Msg("chat stream failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ── Sessions ─────────────────────────────────────────────────

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	orgID := middleware.GetOrgID(r.Context())

	list, err := h.Sessions.ListSessions(r.Context(), userID, orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.Sessions.DeleteSession(r.Context(), sess.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Buffer.Drop(sess.ID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) SessionHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}

	msgs, err := h.Sessions.History(r.Context(), sess.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// SessionEvents reattaches a client to an existing session stream. The
// response is a live SSE stream: events missed since Last-Event-ID are
// replayed first, then new events are pushed as the execution plane
// produces them, until the client disconnects. With an explicit after
// query parameter the handler degrades to a one-shot JSON poll of the
// buffer instead, for clients that cannot hold a stream open.
func (h *Handlers) SessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	if q := r.URL.Query().Get("after"); q != "" {
		after, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		events := h.Buffer.ReplaySince(sess.ID, after)
		if events == nil {
			events = []models.BufferedEvent{}
		}
		respondJSON(w, http.StatusOK, events)
		return
	}

	conn, err := h.Registry.Attach(func() (stream.Transport, error) {
		return stream.NewSSEWriter(w, r)
	}, sess.ID, sess.UserID, sess.OrgID)
	if err != nil {
		var limit *stream.ConnectionLimitError
		if errors.As(err, &limit) {
			respondError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.Bridge.Register(conn.ID, sess.ID,
		func(kind string, payload json.RawMessage) bool {
			return h.Registry.Send(conn, kind, payload)
		},
		func() {
			h.Registry.Detach(conn.ID)
		})

	select {
	case <-conn.Done():
	case <-r.Context().Done():
		h.Registry.Detach(conn.ID)
	}
}

func (h *Handlers) ownedSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.Sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if sess.UserID != middleware.GetUserID(r.Context()) || sess.OrgID != middleware.GetOrgID(r.Context()) {
		respondError(w, http.StatusNotFound, "session "+sessionID+" not found")
		return nil, false
	}
	return sess, true
}

// ── Runtime Health ───────────────────────────────────────────

func (h *Handlers) RuntimeHealth(w http.ResponseWriter, r *http.Request) {
	mode := models.ExecutionMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = models.ModeRemote
	}

	var window time.Duration
	if q := r.URL.Query().Get("window"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil {
			respondError(w, http.StatusBadRequest, "window must be a duration, e.g. 5m")
			return
		}
		window = d
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"circuit": h.Monitor.State(),
		"metrics": h.Monitor.Metrics(mode, window),
	})
}

func (h *Handlers) RuntimeHealthReset(w http.ResponseWriter, r *http.Request) {
	h.Monitor.Reset()
	log.Info().Str("user", middleware.GetUserID(r.Context())).Msg("circuit breaker reset via API")
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
