package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rudironsoni/synaxis/internal/events"
)

// sseHeartbeat is the interval between comment lines keeping idle
// connections alive through proxies.
const sseHeartbeat = 30 * time.Second

// SSEHandler streams gateway events (health transitions, failovers, quota
// denials, route outcomes) to the client using Server-Sent Events.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprint(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ping := time.NewTicker(sseHeartbeat)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case e := <-sub.C:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}
