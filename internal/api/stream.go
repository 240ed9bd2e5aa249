package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bozzfozz/soulspot-sub007/internal/events"
)

// handleStream serves server-sent events until the client disconnects.
// Slow clients get a Resync event instead of an unbounded backlog.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-sub.Events():
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
			if evt.Name == events.NameResync {
				s.bus.AckResync(sub)
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, evt events.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, data)
	return err
}
