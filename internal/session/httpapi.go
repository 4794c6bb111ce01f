package session

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forgeworks/conductor/internal/eventbus"
	"github.com/forgeworks/conductor/internal/models"
)

// heartbeatRequest is the body an agent worker subprocess POSTs on each
// liveness tick; it mirrors models.Heartbeat minus SessionID, which comes
// from the URL.
type heartbeatRequest struct {
	Status          models.HeartbeatStatus `json:"status"`
	ProgressPercent *int                   `json:"progress_percent,omitempty"`
	CurrentStep     string                 `json:"current_step,omitempty"`
	MemoryMB        *int                   `json:"memory_mb,omitempty"`
	CPUPercent      *float64               `json:"cpu_percent,omitempty"`
}

// Router returns the local-only HTTP API agent worker subprocesses use to
// report heartbeats and status transitions back to the Session Manager, avoiding a
// second SQLite writer per worker process.
func Router(m *Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/sessions/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h := &models.Heartbeat{
			SessionID:       id,
			Status:          req.Status,
			ProgressPercent: req.ProgressPercent,
			CurrentStep:     req.CurrentStep,
			MemoryMB:        req.MemoryMB,
			CPUPercent:      req.CPUPercent,
		}
		if err := m.Heartbeat(h); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/sessions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Status   models.SessionStatus `json:"status"`
			ExitCode *int                 `json:"exit_code,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := m.Transition(id, req.Status, req.ExitCode); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	// Live-tail endpoint for clients that want events pushed rather than
	// polled. Same durable cursor as any other eventbus subscriber, so a
	// reconnect resumes instead of replaying.
	r.Get("/events/stream", eventbus.StreamHandler(m.db))

	return r
}
