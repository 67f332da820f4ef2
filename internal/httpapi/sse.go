package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/modpack-downloader/internal/jobs"
	"github.com/MimeLyc/modpack-downloader/pkg/log"
)

// handleProgress streams a job's events. The connection subscribes before
// it looks at the job, so an event published in between is never missed.
// For unknown and finished jobs only the events already buffered on the
// sink follow the ready event.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := pathID(r, apiPrefix+"/progress/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := jobs.NewChannelSink(s.sinkBuffer)
	handle := s.hub.Subscribe(id, sink)
	defer s.hub.Unsubscribe(id, handle)

	if _, err := fmt.Fprint(w, "event: ready\ndata: connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	if job, ok := s.registry.Get(id); !ok || job.Status.Terminal() {
		writeBuffered(w, flusher, sink)
		return
	}

	keepAlive := s.keepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sink.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Debug("Progress stream %s: %v", id, err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeBuffered writes the events sink already holds without waiting for more.
func writeBuffered(w http.ResponseWriter, flusher http.Flusher, sink *jobs.ChannelSink) {
	for {
		select {
		case ev, open := <-sink.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		default:
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev jobs.Event) error {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
