package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Status push cadence and write deadline for WebSocket clients.
	statusPushInterval = 5 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Status is not sensitive and the page may be served from another host
	// on the LAN, so cross-origin upgrades are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS handles GET /ws: upgrades the connection and pushes a status
// snapshot every few seconds. A client may also send "get_status" to
// request an immediate snapshot. Sockets share the hub's viewer cap.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Reserve before checking so a burst of connects cannot slip past the
	// cap between the read and the increment.
	n := h.wsConns.Add(1)
	defer h.wsConns.Add(-1)
	if limit := h.hub.MaxViewers(); limit > 0 && n > int64(limit) {
		http.Error(w, "too many status connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader drains client messages; "get_status" pokes the push loop.
	poke := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "get_status" {
				select {
				case poke <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	if err := h.pushStatus(ctx, conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-poke:
		}
		if err := h.pushStatus(ctx, conn); err != nil {
			h.log.Debug("websocket push failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (h *Handler) pushStatus(ctx context.Context, conn *websocket.Conn) error {
	snap := h.reporter.Snapshot(ctx)
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(snap)
}
