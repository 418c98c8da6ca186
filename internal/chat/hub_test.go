package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ageniuscoder/gymchat/internal/auth"
	"github.com/ageniuscoder/gymchat/internal/chat/broker"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type node struct {
	hub *Hub
	srv *httptest.Server
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open("file:" + filepath.Join(t.TempDir(), "chat.db") + "?_pragma=foreign_keys(ON)")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUser(t *testing.T, s *storage.Store, name string) storage.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), storage.User{Username: name, PasswordHash: "x"})
	require.NoError(t, err)
	return u
}

func startNode(t *testing.T, s *storage.Store, b broker.Broker) *node {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub, err := NewHub(s, b, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = hub.Run(ctx)
	}()

	r := gin.New()
	RegisterWS(r, hub, testSecret, []string{"*"})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-stopped
	})
	return &node{hub: hub, srv: srv}
}

func (n *node) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	tok, err := auth.NewToken(testSecret, userID, 5)
	require.NoError(t, err)
	u := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/socket?user_id=" + strconv.FormatInt(userID, 10) + "&token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first frame of the given event that satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, event string, match func(Envelope) bool) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event && (match == nil || match(env)) {
			return env
		}
	}
}

func onlineIs(ids ...int64) func(Envelope) bool {
	return func(env Envelope) bool {
		var got []int64
		if err := json.Unmarshal(env.Data, &got); err != nil {
			return false
		}
		if len(got) != len(ids) {
			return false
		}
		for i := range ids {
			if got[i] != ids[i] {
				return false
			}
		}
		return true
	}
}

func send(t *testing.T, conn *websocket.Conn, id string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: EventSendMessage, ID: id, Data: raw}))
}

func TestPresenceOnConnectAndDisconnect(t *testing.T) {
	s := newTestStore(t)
	a, b := mustUser(t, s, "ana"), mustUser(t, s, "ben")
	n := startNode(t, s, broker.NewMemory(nil))

	ca := n.dial(t, a.ID)
	readUntil(t, ca, EventOnlineUsers, onlineIs(a.ID))

	cb := n.dial(t, b.ID)
	readUntil(t, cb, EventOnlineUsers, onlineIs(a.ID, b.ID))
	readUntil(t, ca, EventOnlineUsers, onlineIs(a.ID, b.ID))

	require.NoError(t, cb.Close())
	readUntil(t, ca, EventOnlineUsers, onlineIs(a.ID))

	got, err := s.UserByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.False(t, got.LastActive.IsZero())
}

func TestSecondTabGetsPresenceWithoutBroadcast(t *testing.T) {
	s := newTestStore(t)
	a := mustUser(t, s, "ana")
	n := startNode(t, s, broker.NewMemory(nil))

	n.dial(t, a.ID)
	tab2 := n.dial(t, a.ID)
	readUntil(t, tab2, EventOnlineUsers, onlineIs(a.ID))
}

func TestSendMessageAcksAndFansOut(t *testing.T) {
	s := newTestStore(t)
	a, b := mustUser(t, s, "ana"), mustUser(t, s, "ben")
	n := startNode(t, s, broker.NewMemory(nil))

	ca := n.dial(t, a.ID)
	cb := n.dial(t, b.ID)
	readUntil(t, ca, EventOnlineUsers, onlineIs(a.ID, b.ID))

	created := time.Now().Add(-time.Second).UnixMilli()
	send(t, ca, "req-1", map[string]any{
		"to_user_id": strconv.FormatInt(b.ID, 10),
		"content":    "  leg day?  ",
		"created_at": created,
	})

	ack := readUntil(t, ca, EventAck, nil)
	require.Equal(t, "req-1", ack.ID)
	var body ackBody
	require.NoError(t, json.Unmarshal(ack.Data, &body))
	require.Empty(t, body.Error)
	require.NotNil(t, body.Message)
	require.Equal(t, "leg day?", body.Message.Content)
	require.Equal(t, created, body.Message.Timestamp)

	for _, conn := range []*websocket.Conn{ca, cb} {
		env := readUntil(t, conn, EventNewMessage, nil)
		var w WireMessage
		require.NoError(t, json.Unmarshal(env.Data, &w))
		require.Equal(t, body.Message.ID, w.ID)
		require.Equal(t, a.ID, w.FromUserID)
		require.Equal(t, b.ID, w.ToUserID)
	}

	hist, err := s.History(context.Background(), a.ID, b.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestSendMessageRejections(t *testing.T) {
	s := newTestStore(t)
	a := mustUser(t, s, "ana")
	n := startNode(t, s, broker.NewMemory(nil))
	ca := n.dial(t, a.ID)

	cases := []struct {
		name string
		data map[string]any
		want string
	}{
		{"empty", map[string]any{"to_user_id": 99, "content": "   "}, "content is required"},
		{"no recipient", map[string]any{"content": "hi"}, "to_user_id is required"},
		{"self", map[string]any{"to_user_id": a.ID, "content": "hi"}, "cannot message yourself"},
		{"unknown recipient", map[string]any{"to_user_id": 9999, "content": "hi"}, "recipient not found"},
		{"too long", map[string]any{"to_user_id": 9999, "content": strings.Repeat("x", maxContentRunes+1)}, "content is too long"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			send(t, ca, tc.name, tc.data)
			ack := readUntil(t, ca, EventAck, func(e Envelope) bool { return e.ID == tc.name })
			var body ackBody
			require.NoError(t, json.Unmarshal(ack.Data, &body))
			require.Equal(t, tc.want, body.Error)
			require.Nil(t, body.Message)
		})
	}
}

func TestUnknownEventReportsError(t *testing.T) {
	s := newTestStore(t)
	a := mustUser(t, s, "ana")
	n := startNode(t, s, broker.NewMemory(nil))
	ca := n.dial(t, a.ID)

	require.NoError(t, ca.WriteJSON(Envelope{Event: "typing", ID: "x"}))
	env := readUntil(t, ca, EventError, nil)
	require.Equal(t, "x", env.ID)
}

func TestSocketAuth(t *testing.T) {
	s := newTestStore(t)
	a := mustUser(t, s, "ana")
	n := startNode(t, s, broker.NewMemory(nil))
	base := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/socket"

	tok, err := auth.NewToken(testSecret, a.ID, 5)
	require.NoError(t, err)

	for name, u := range map[string]string{
		"missing":  base,
		"invalid":  base + "?token=nope",
		"mismatch": base + "?user_id=" + strconv.FormatInt(a.ID+1, 10) + "&token=" + tok,
	} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(u, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	conn, _, err := websocket.DefaultDialer.Dial(base, h)
	require.NoError(t, err)
	conn.Close()
}

func TestDeliveryCrossesNodes(t *testing.T) {
	s := newTestStore(t)
	a, b := mustUser(t, s, "ana"), mustUser(t, s, "ben")
	shared := broker.NewMemory(nil)
	n1 := startNode(t, s, shared)
	n2 := startNode(t, s, shared)

	ca := n1.dial(t, a.ID)
	cb := n2.dial(t, b.ID)
	readUntil(t, ca, EventOnlineUsers, onlineIs(a.ID, b.ID))

	send(t, ca, "r", map[string]any{"to_user_id": b.ID, "content": "see you at 6"})
	env := readUntil(t, cb, EventNewMessage, nil)
	var w WireMessage
	require.NoError(t, json.Unmarshal(env.Data, &w))
	require.Equal(t, "see you at 6", w.Content)
}

func TestDeliverMessageFromREST(t *testing.T) {
	s := newTestStore(t)
	a, b := mustUser(t, s, "ana"), mustUser(t, s, "ben")
	n := startNode(t, s, broker.NewMemory(nil))
	cb := n.dial(t, b.ID)
	readUntil(t, cb, EventOnlineUsers, nil)

	m, err := s.SaveMessage(context.Background(), storage.Message{FromUserID: a.ID, ToUserID: b.ID, ImageURL: "/uploads/x.png"})
	require.NoError(t, err)
	require.NoError(t, n.hub.DeliverMessage(context.Background(), m))

	env := readUntil(t, cb, EventNewMessage, nil)
	var w WireMessage
	require.NoError(t, json.Unmarshal(env.Data, &w))
	require.Equal(t, "/uploads/x.png", w.ImageURL)
}

func TestNewHubValidates(t *testing.T) {
	_, err := NewHub(nil, broker.NewMemory(nil), nil)
	require.Error(t, err)
	_, err = NewHub(newTestStore(t), nil, nil)
	require.Error(t, err)
}
