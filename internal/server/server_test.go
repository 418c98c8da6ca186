package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ageniuscoder/gymchat/internal/chat/broker"
	"github.com/ageniuscoder/gymchat/internal/chatclient"
	"github.com/ageniuscoder/gymchat/internal/config"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open("file:" + filepath.Join(dir, "server.db") + "?_pragma=foreign_keys(ON)")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())

	b := broker.NewMemory(nil)
	s, err := New(config.Config{
		JWTSecret:   "e2e-secret",
		JWTTTLMin:   5,
		UploadDir:   filepath.Join(dir, "uploads"),
		CORSOrigins: []string{"https://app.gym.test"},
	}, store, b, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Hub().Run(ctx)
	}()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-stopped
		require.NoError(t, s.Close())
	})
	return ts
}

func registerUser(t *testing.T, base, username string) chatclient.Identity {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": "hunter22"})
	resp, err := http.Post(base+"/api/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		UserID int64 `json:"user_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return chatclient.IdentityFromInt(out.UserID)
}

func newChatClient(t *testing.T, base, username string) *chatclient.Client {
	t.Helper()
	cfg := chatclient.DefaultConfig()
	cfg.ServerURL = base
	cfg.AckTimeout = 3 * time.Second
	cfg.Reconnect.MaxAttempts = 1
	login := chatclient.PasswordLogin{REST: chatclient.NewRESTClient(cfg), Username: username, Password: "hunter22"}
	c, err := chatclient.New(cfg, login)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestHealthz(t *testing.T) {
	ts := startServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := startServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/messages", nil)
	req.Header.Set("Origin", "https://app.gym.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "https://app.gym.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(config.Config{}, &storage.Store{}, broker.NewMemory(nil), nil)
	require.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	ts := startServer(t)
	anaID := registerUser(t, ts.URL, "ana")
	benID := registerUser(t, ts.URL, "coachben")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ana := newChatClient(t, ts.URL, "ana")
	ben := newChatClient(t, ts.URL, "coachben")

	received := make(chan chatclient.Message, 4)
	ben.Events().SubscribeMessage(func(m chatclient.Message) { received <- m })

	require.NoError(t, ana.Start(ctx))
	require.NoError(t, ben.Start(ctx))
	require.Equal(t, anaID, ana.Self())
	require.Equal(t, chatclient.StateConnected, ana.State())
	require.Eventually(t, func() bool { return ana.IsOnline(benID) && ben.IsOnline(anaID) },
		3*time.Second, 10*time.Millisecond)

	sent, err := ana.Send(ctx, benID, "squats or deadlifts today?")
	require.NoError(t, err)
	require.False(t, sent.IsLocal())
	require.Equal(t, anaID, sent.FromUserID)

	select {
	case m := <-received:
		require.Equal(t, sent.ID, m.ID)
		require.Equal(t, "squats or deadlifts today?", m.Content)
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}

	// history and the live echo collapse into one entry
	require.Eventually(t, func() bool { return ana.Conversation(benID).Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	msgs, err := ana.Open(ctx, benID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, sent.ID, msgs[0].ID)

	n, err := ben.UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, ben.MarkRead(ctx, sent.ID))
	n, err = ben.UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	contacts, err := ben.RefreshContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, anaID, contacts[0].ID)
	require.Equal(t, "squats or deadlifts today?", contacts[0].LastMessage)

	ben.Close()
	require.Eventually(t, func() bool { return !ana.IsOnline(benID) }, 3*time.Second, 10*time.Millisecond)
}
