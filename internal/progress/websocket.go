package progress

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketHandler streams events as JSON frames of the form {event, data, at}.
// Messages sent by the client are ignored.
func WebSocketHandler(b *Broadcaster, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, cancel := b.Subscribe()
		defer cancel()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("Websocket upgrade failed", "error", err)
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(r.Context())

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "stream closed")
					return
				}
				if err := writeFrame(ctx, conn, ev); err != nil {
					logger.Debug("Websocket write failed", "event", ev.Name, "error", err)
					return
				}
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
