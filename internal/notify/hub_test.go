package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw []byte) Message {
	t.Helper()
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHubSendReachesEveryChannelOfUser(t *testing.T) {
	hub := NewHub(nil)
	a, b, other := make(Buffered, 1), make(Buffered, 1), make(Buffered, 1)
	hub.Register("u1", a)
	hub.Register("u1", b)
	hub.Register("u2", other)
	require.Equal(t, 2, hub.Connected("u1"))

	hub.Send("u1", EventMissionUpdate, map[string]string{"id": "m1"})

	for _, ch := range []Buffered{a, b} {
		select {
		case raw := <-ch:
			msg := decode(t, raw)
			require.Equal(t, EventMissionUpdate, msg.Event)
			require.Equal(t, "m1", msg.Payload.(map[string]any)["id"])
		default:
			t.Fatal("expected delivery")
		}
	}
	require.Len(t, other, 0)
}

func TestHubUnregisterAndUnknownUser(t *testing.T) {
	hub := NewHub(nil)
	ch := make(Buffered, 1)
	hub.Register("u1", ch)
	hub.Unregister(ch)
	require.Equal(t, 0, hub.Connected("u1"))

	hub.Send("u1", EventNewMission, nil)
	hub.Send("nobody", EventNewMission, nil)
	require.Len(t, ch, 0)

	// unregistering twice is harmless
	hub.Unregister(ch)
}

func TestHubDropsWhenChannelFull(t *testing.T) {
	hub := NewHub(nil)
	ch := make(Buffered, 1)
	hub.Register("u1", ch)
	hub.Send("u1", EventNewMessage, "first")
	hub.Send("u1", EventNewMessage, "second")
	require.Len(t, ch, 1)
	require.Equal(t, "first", decode(t, <-ch).Payload)
}

func TestHubRegisterMovesChannelBetweenUsers(t *testing.T) {
	hub := NewHub(nil)
	ch := make(Buffered, 1)
	hub.Register("u1", ch)
	hub.Register("u2", ch)
	require.Equal(t, 0, hub.Connected("u1"))
	require.Equal(t, 1, hub.Connected("u2"))
}

func TestClientReceivesOverWebsocket(t *testing.T) {
	hub := NewHub(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewClient(hub, conn, "u1", nil).Serve()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Connected("u1") == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Send("u1", EventLocationUpdate, map[string]any{"mission_id": "m1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg := decode(t, raw)
	require.Equal(t, EventLocationUpdate, msg.Event)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Connected("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
