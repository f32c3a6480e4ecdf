package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"classmesh/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dialEvents(t *testing.T, hub *EventHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEventHub_ReplaysHistoryThenStreams(t *testing.T) {
	hub := NewEventHub(time.Second, time.Second, zaptest.NewLogger(t).Sugar())
	defer hub.Close()

	hub.OnParticipantJoined(domain.Participant{ID: "user_a", Name: "Alice", Role: domain.RoleStudent})
	conn := dialEvents(t, hub)

	ev := readEvent(t, conn)
	assert.Equal(t, "participant_joined", ev["type"])
	data := ev["data"].(map[string]interface{})
	assert.Equal(t, "user_a", data["id"])
	assert.Equal(t, "Alice", data["name"])

	// the client is registered once history has been read
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Notify(domain.NotifyWarning, "Connection to Alice failed")
	ev = readEvent(t, conn)
	assert.Equal(t, "notification", ev["type"])
	assert.Equal(t, "Connection to Alice failed", ev["data"].(map[string]interface{})["message"])

	hub.OnConnectionStateChanged("user_a", domain.ConnectionConnected)
	ev = readEvent(t, conn)
	assert.Equal(t, "connection_state", ev["type"])
	assert.Equal(t, "connected", ev["data"].(map[string]interface{})["state"])
}

func TestEventHub_HistoryIsBounded(t *testing.T) {
	hub := NewEventHub(time.Second, time.Second, zaptest.NewLogger(t).Sugar())
	defer hub.Close()

	for i := 0; i < historySize+10; i++ {
		hub.OnParticipantLeft("user_x")
	}
	assert.Len(t, hub.History(), historySize)
}

func TestEventHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewEventHub(time.Second, time.Second, zaptest.NewLogger(t).Sugar())
	conn := dialEvents(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Close()
	hub.Notify(domain.NotifyInfo, "discarded")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Empty(t, hub.History())
}
