package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/broadcast"
)

type liveMessage struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func setup(t *testing.T) (*broadcast.Bridge, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bridge := broadcast.New(16, logger)
	srv := httptest.NewServer(NewHandler(bridge, logger))
	t.Cleanup(srv.Close)
	return bridge, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) liveMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg liveMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestClientReceivesPublishedMessages(t *testing.T) {
	bridge, srv := setup(t)
	conn := dial(t, srv, "")

	require.Eventually(t, func() bool { return bridge.Consumers() == 1 }, 3*time.Second, 5*time.Millisecond)

	bridge.Publish(liveMessage{Type: "detection", Kind: "camera", ID: "7"})
	bridge.Publish(liveMessage{Type: "progress", Kind: "job", ID: "abc"})

	assert.Equal(t, liveMessage{Type: "detection", Kind: "camera", ID: "7"}, read(t, conn))
	assert.Equal(t, liveMessage{Type: "progress", Kind: "job", ID: "abc"}, read(t, conn))
}

func TestFilterLimitsToOneResource(t *testing.T) {
	bridge, srv := setup(t)
	conn := dial(t, srv, "?kind=camera&id=7")

	require.Eventually(t, func() bool { return bridge.Consumers() == 1 }, 3*time.Second, 5*time.Millisecond)

	bridge.Publish(liveMessage{Type: "detection", Kind: "camera", ID: "8"})
	bridge.Publish(liveMessage{Type: "progress", Kind: "job", ID: "7"})
	bridge.Publish(liveMessage{Type: "detection", Kind: "camera", ID: "7"})

	assert.Equal(t, liveMessage{Type: "detection", Kind: "camera", ID: "7"}, read(t, conn))
}

func TestClosedClientIsDisconnected(t *testing.T) {
	bridge, srv := setup(t)
	conn := dial(t, srv, "")

	require.Eventually(t, func() bool { return bridge.Consumers() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return bridge.Consumers() == 0 }, 3*time.Second, 5*time.Millisecond)
}
