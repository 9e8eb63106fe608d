package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// Events handles GET /api/v1/events. It upgrades to a websocket and
// streams agent events as JSON text frames until either side goes away.
// Client messages are ignored.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	events, stop := h.terminal.Subscribe(64)
	defer stop()

	ctx := c.CloseRead(r.Context())
	slog.Debug("event stream opened", "component", "api", "request_id", GetRequestID(r.Context()))

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "agent stopping")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, c, ev)
			cancel()
			if err != nil {
				slog.Debug("event stream closed", "component", "api", "error", err)
				return
			}
		}
	}
}
