package eventbus

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeworks/conductor/internal/models"
)

// pollInterval is how often StreamHandler checks for newly published events
// between websocket pushes.
const pollInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	// Local-only endpoint (same-host CLI/TUI clients), so the default
	// same-origin check would reject legitimate callers that set no Origin
	// header at all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler returns an http.Handler that upgrades to a websocket and
// live-tails one event kind for one subscriber, reusing the same durable
// cursor a Poll-based subscriber would use — a client that disconnects and
// reconnects resumes rather than re-reading the whole log.
//
// Query parameters: kind (required), subscriber (required).
func StreamHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := r.URL.Query().Get("kind")
		subscriber := r.URL.Query().Get("subscriber")
		if kind == "" || subscriber == "" {
			http.Error(w, "kind and subscriber query parameters are required", http.StatusBadRequest)
			return
		}

		sub, err := Subscribe(db, kind, subscriber)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Default().Warn("event stream upgrade failed", "error", err.Error())
			return
		}
		defer func() { _ = conn.Close() }()

		ctx := r.Context()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := sub.Poll(ctx, 50, func(_ context.Context, event *models.Event) error {
					return conn.WriteJSON(event)
				}); err != nil {
					slog.Default().Warn("event stream poll failed", "subscriber", subscriber, "kind", kind, "error", err.Error())
					return
				}
			}
		}
	}
}
