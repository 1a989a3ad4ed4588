package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSEHandler streams events as server-sent events. A keep-alive comment is
// written every keepAlive to hold idle connections open.
func SSEHandler(b *Broadcaster, keepAlive time.Duration, logger *slog.Logger) http.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		events, cancel := b.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		logger.Debug("SSE client connected", "remote", r.RemoteAddr)
		for {
			select {
			case <-r.Context().Done():
				logger.Debug("SSE client disconnected", "remote", r.RemoteAddr)
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeSSE(w, ev); err != nil {
					logger.Warn("Failed to write SSE event", "event", ev.Name, "error", err)
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
