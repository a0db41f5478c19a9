package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/steward/internal/session"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// StreamFrame is one server-sent event on the session stream.
type StreamFrame struct {
	Project  string            `json:"project"`
	Session  string            `json:"session"`
	State    string            `json:"state"`
	Snapshot snapshot.Snapshot `json:"snapshot"`
}

// handleSessionStream serves a Server-Sent Events stream of the project's
// classified session snapshot. It re-captures every interval and sends a
// "done" event when the session ends or the project has none.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request, name string) {
	if !allowGet(w, r) {
		return
	}
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "no session source configured")
		return
	}
	rec, err := s.store.Get(name)
	if err != nil {
		s.storeError(w, name, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	handle := rec.LastSessionID
	if handle == "" {
		sendDone("no session")
		return
	}

	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		snap, err := s.sessions.CaptureSnapshot(r.Context(), handle)
		switch {
		case errors.Is(err, session.ErrSessionGone):
			sendDone("session ended")
			return
		case err != nil:
			if r.Context().Err() != nil {
				return
			}
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
			flusher.Flush()
		default:
			frame := StreamFrame{
				Project:  name,
				Session:  handle,
				State:    s.classifier.Classify(snap).String(),
				Snapshot: snap,
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
