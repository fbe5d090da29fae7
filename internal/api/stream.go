package api

import (
	"fmt"
	"net/http"
	"time"
)

// handleStream relays change signals as server-sent events. Each event only
// says that something changed; clients refetch the board on every one.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}
	ctx := r.Context()
	clinic := r.PathValue("clinic")
	if _, ok := s.member(w, r, clinic); !ok {
		return
	}

	changed := make(chan struct{}, 1)
	unsub, err := s.feed.Subscribe(ctx, clinic, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			fmt.Fprint(w, "event: tasks\ndata: changed\n\n")
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
