package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ageniuscoder/gymchat/internal/chatclient"
	"github.com/ageniuscoder/gymchat/internal/config"
	"github.com/stretchr/testify/require"
)

// greetingConn announces presence as soon as it is read, like the server does
// right after the handshake.
type greetingConn struct {
	once sync.Once
}

func (c *greetingConn) Read(ctx context.Context) (chatclient.Envelope, error) {
	var env chatclient.Envelope
	c.once.Do(func() {
		env = chatclient.Envelope{Event: "onlineUsers", Data: json.RawMessage(`["1","2"]`)}
	})
	if env.Event != "" {
		return env, nil
	}
	<-ctx.Done()
	return chatclient.Envelope{}, ctx.Err()
}

func (c *greetingConn) Write(ctx context.Context, env chatclient.Envelope) error { return nil }
func (c *greetingConn) Close() error                                             { return nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestListenPrintsEventsFromConnect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/contacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dialer := chatclient.DialerFunc(func(ctx context.Context, creds chatclient.Credentials) (chatclient.Conn, error) {
		return &greetingConn{}, nil
	})
	a := &app{
		cfg: config.Config{Client: config.ClientConfig{
			ServerURL:         srv.URL,
			AckTimeout:        time.Second,
			ReconnectInitial:  10 * time.Millisecond,
			ReconnectMax:      50 * time.Millisecond,
			ReconnectAttempts: 1,
		}},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		clientOpts: []chatclient.Option{chatclient.WithDialer(dialer)},
	}

	out := &syncBuffer{}
	cmd := a.chatCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"listen", "--token", "tok", "--user-id", "1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "listening as 1") && strings.Contains(s, "online: [1 2]")
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, out.String(), "state: connecting -> connected")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after cancel")
	}
}

func TestClientConfigMapsEnvironment(t *testing.T) {
	cfg := clientConfig(config.ClientConfig{
		ServerURL:         "http://gym.test",
		AckTimeout:        3 * time.Second,
		ReconnectInitial:  time.Second,
		ReconnectMax:      8 * time.Second,
		ReconnectAttempts: 4,
	})
	require.Equal(t, "http://gym.test", cfg.ServerURL)
	require.Equal(t, 3*time.Second, cfg.AckTimeout)
	require.Equal(t, time.Second, cfg.Reconnect.InitialDelay)
	require.Equal(t, 8*time.Second, cfg.Reconnect.MaxDelay)
	require.Equal(t, 4, cfg.Reconnect.MaxAttempts)
}
