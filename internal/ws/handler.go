// Package ws serves live detection and progress messages over WebSocket.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"lookout/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// live messages carry no frames or credentials
		return true
	},
}

// Hub is what the handler needs from the broadcast bridge
type Hub interface {
	Connect(c broadcast.Consumer)
	Disconnect(c broadcast.Consumer)
}

// Handler handles WebSocket connections for live messages
type Handler struct {
	hub    Hub
	logger *slog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub Hub, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger.With("component", "ws")}
}

// ServeHTTP upgrades the request. Optional query parameters "kind" (camera|job)
// and "id" limit the connection to one resource.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{Kind: r.URL.Query().Get("kind"), ID: r.URL.Query().Get("id")}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	conn := newConn(raw, filter)
	h.hub.Connect(conn)
	h.logger.Info("client connected", "remote", r.RemoteAddr, "kind", filter.Kind, "id", filter.ID)

	go conn.pingLoop()
	go h.readPump(conn)
}

// readPump reads until the client goes away, then detaches the connection
func (h *Handler) readPump(c *Conn) {
	defer func() {
		h.hub.Disconnect(c)
		_ = c.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read error", "error", err)
			}
			return
		}
	}
}
