package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"relaystack.local/relay-gateway/internal/syncengine"
)

const sseKeepaliveInterval = 15 * time.Second

// scopeFromQuery maps the event-stream filter parameters onto a subscription
// scope. Exactly one of all=true, sessionId, or machineId must be present.
func scopeFromQuery(r *http.Request) (syncengine.Scope, error) {
	q := r.URL.Query()
	all := q.Get("all") == "true"
	sessionID := q.Get("sessionId")
	machineID := q.Get("machineId")

	selected := 0
	if all {
		selected++
	}
	if sessionID != "" {
		selected++
	}
	if machineID != "" {
		selected++
	}
	if selected != 1 {
		return syncengine.Scope{}, fmt.Errorf("exactly one of all=true, sessionId, or machineId is required")
	}
	return syncengine.Scope{All: all, SessionID: sessionID, MachineID: machineID}, nil
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.service.Engine().Subscribe(scope)
	defer s.service.Engine().Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				// The engine closed us out, either on shutdown or
				// because this subscriber fell too far behind.
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Printf("sse marshal failed type=%s err=%v", event.Type, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
