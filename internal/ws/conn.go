package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lookout/internal/broadcast"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Filter limits a connection to one resource. Empty fields match anything.
type Filter struct {
	Kind string
	ID   string
}

func (f Filter) empty() bool { return f.Kind == "" && f.ID == "" }

// envelope is the part of a live message used for filtering
type envelope struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Conn is one live WebSocket client attached to the broadcast bridge
type Conn struct {
	conn   *websocket.Conn
	filter Filter

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(c *websocket.Conn, filter Filter) *Conn {
	return &Conn{conn: c, filter: filter, done: make(chan struct{})}
}

// Send writes msg unless the filter excludes it
func (c *Conn) Send(msg []byte) error {
	if !c.filter.empty() {
		var env envelope
		if err := json.Unmarshal(msg, &env); err == nil {
			if (c.filter.Kind != "" && env.Kind != c.filter.Kind) || (c.filter.ID != "" && env.ID != c.filter.ID) {
				return nil
			}
		}
	}
	return c.write(websocket.TextMessage, msg)
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Close closes the underlying connection once
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// pingLoop keeps the connection alive until it is closed
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ broadcast.Consumer = (*Conn)(nil)
