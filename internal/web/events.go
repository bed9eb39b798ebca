package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 5 * time.Second

// handleEvents upgrades to a WebSocket and streams a [View] on connect and
// after every change. Client messages are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("web: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	slog.Debug("web: events subscriber connected", "remote", r.RemoteAddr)

	if err := writeView(ctx, conn, s.View()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case v := <-updates:
			if err := writeView(ctx, conn, v); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("web: events subscriber dropped", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
		}
	}
}

func writeView(ctx context.Context, conn *websocket.Conn, v View) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
