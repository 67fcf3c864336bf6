package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleEvents streams daemon events as server-sent events. The ns
// query parameter filters by prefix (conn., chat., outbox.); empty
// means everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.bus.Subscribe(r.URL.Query().Get("ns"), 64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if _, err := w.Write([]byte("event: " + ev.Kind + "\ndata: ")); err != nil {
				return
			}
			if err := enc.Encode(struct {
				Kind    string `json:"kind"`
				At      string `json:"at"`
				Payload any    `json:"payload,omitempty"`
			}{ev.Kind, ev.At.UTC().Format(time.RFC3339Nano), ev.Payload}); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
