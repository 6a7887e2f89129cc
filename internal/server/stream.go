package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/conntest"
	"github.com/tony-jang/ai-review/internal/fault"
)

// handleStream serves the per-session SSE feed. Framing is the standard
// "event: <kind>\ndata: <json>\n\n"; the server never replays missed events.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if _, err := s.manager.Status(sid); err != nil {
		writeError(w, err)
		return
	}
	flusher, err := flushWriter(w)
	if err != nil {
		writeError(w, fault.Wrap(fault.Internal, err, "sse"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub, cancel := s.bus.Subscribe(sid)
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q}\n\n", sid)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return // evicted by the subscriber cap or session deletion
			}
			payload, err := json.Marshal(event.Payload())
			if err != nil {
				log.Debug().Err(err).Msg("sse payload marshal failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ndjsonEncoder writes one JSON object per line, flushing each.
type ndjsonEncoder struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newNDJSONEncoder(w http.ResponseWriter, flusher http.Flusher) *ndjsonEncoder {
	return &ndjsonEncoder{w: w, flusher: flusher}
}

func (e *ndjsonEncoder) write(event conntest.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	e.w.Write(payload)
	e.w.Write([]byte("\n"))
	e.flusher.Flush()
}
