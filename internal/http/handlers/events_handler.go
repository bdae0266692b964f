package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tbourn/go-offline-sync/internal/http/middleware"
)

// Events godoc
// @ID          streamEvents
// @Summary     Projection event stream
// @Description Upgrades to a websocket and streams queue, connectivity, drain and wallet events as JSON text frames. The server only writes; client frames are ignored.
// @Tags        Events
// @Success     101  {string}  string  "Switching Protocols"
// @Failure     503  {object}  handlers.ErrorResponse  "Event stream disabled"
// @Router      /events [get]
func (h *Handlers) Events(c *gin.Context) {
	if h.events == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "event stream disabled")
		return
	}
	lg := middleware.LoggerFrom(c)

	// The stream outlives the server's WriteTimeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		// Accept already wrote the handshake error.
		lg.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	sub := h.events.Subscribe(h.EventBuffer)
	defer sub.Cancel()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(c.Request.Context())

	ping := h.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, open := <-sub.C:
			if !open {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeWithTimeout(ctx, conn, ev); err != nil {
				lg.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, ping)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				lg.Debug().Err(err).Int64("dropped", sub.Dropped()).Msg("websocket ping failed")
				return
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
