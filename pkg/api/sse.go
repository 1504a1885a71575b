package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleFleetEvents streams fleet events as server-sent events. A new
// client first receives the latest event per (branch, type) so it does not
// need a separate status poll to draw its initial view, then live events
// as they happen. The broker drops our oldest buffered events if we fall
// behind, so a stalled dashboard can never back-pressure the fleet.
func (s *Server) handleFleetEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for _, ev := range s.broker.Snapshot() {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
