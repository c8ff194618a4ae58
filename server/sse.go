package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/openbounty/bountyd/events"
)

// sseReplay is how many historical events a new stream receives
// before live ones.
const sseReplay = 50

// handleSSE streams lifecycle events as server-sent events. Because
// EventSource cannot set an Authorization header, the session token is
// accepted as a ?token= query parameter; when present it must verify.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("token"); token != "" {
		if _, _, err := s.verifyToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	replay := sseReplay
	if v := r.URL.Query().Get("replay"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			replay = n
		}
	}
	for _, e := range s.bus.History(replay) {
		writeSSE(w, e)
	}
	flusher.Flush()

	// Handlers must not block, so buffer generously and drop on
	// overflow; a stalled client misses events rather than stalling
	// the publisher.
	ch := make(chan events.Event, 64)
	unsubscribe := s.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
}
