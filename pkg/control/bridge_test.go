package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub, gatewayID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))
	t.Cleanup(srv.Close)
	url := strings.Replace(srv.URL, "http", "ws", 1) + "?gateway=" + gatewayID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBridgeMergesInboxes(t *testing.T) {
	local := NewLoopback()
	hub := NewHub()
	bridge := NewBridge(local, hub)
	conn := dialHub(t, hub, "gw-remote")

	local.Emit(Message{Type: MsgHeartbeat, GatewayID: "gw-local"})

	data, err := json.Marshal(Message{Type: MsgHeartbeat, Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case msg := <-bridge.Inbox():
			assert.Equal(t, MsgHeartbeat, msg.Type)
			seen[msg.GatewayID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("message not forwarded to the bridge inbox")
		}
	}
	assert.True(t, seen["gw-local"], "loopback traffic must reach the bridge")
	assert.True(t, seen["gw-remote"], "hub traffic must reach the bridge")
}

func TestBridgeSendReachesRemoteGateway(t *testing.T) {
	local := NewLoopback()
	hub := NewHub()
	bridge := NewBridge(local, hub)
	conn := dialHub(t, hub, "gw-remote")

	msg := Message{Type: MsgCancel, JobID: "job-1", Timestamp: time.Now()}
	require.NoError(t, bridge.Send("gw-remote", msg))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, MsgCancel, got.Type)
	assert.Equal(t, "job-1", got.JobID)
}

func TestBridgeSendPrefersLocalGateway(t *testing.T) {
	local := NewLoopback()
	bridge := NewBridge(local, NewHub())
	cmds := local.Register("gw-1")

	require.NoError(t, bridge.Send("gw-1", NewCancel("job-1")))
	select {
	case msg := <-cmds:
		assert.Equal(t, MsgCancel, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("command not delivered to the local gateway")
	}

	assert.Error(t, bridge.Send("nobody", NewCancel("job-1")))
}

func TestBridgeBroadcastCoversBothChannels(t *testing.T) {
	local := NewLoopback()
	hub := NewHub()
	bridge := NewBridge(local, hub)
	cmds := local.Register("gw-local")
	conn := dialHub(t, hub, "gw-remote")

	bridge.Broadcast(NewCancel("job-1"))

	select {
	case msg := <-cmds:
		assert.Equal(t, MsgCancel, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered locally")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, MsgCancel, got.Type)
}
