package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errDialRefused = errors.New("dial refused")

type fakeConn struct {
	in        chan Envelope
	out       chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Envelope, 16),
		out:    make(chan Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return Envelope{}, io.EOF
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	// Like a real socket, a write under a dead context never starts.
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a server frame to the client.
func (c *fakeConn) push(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	c.in <- Envelope{Event: event, Data: raw}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  int // upcoming dials to refuse; negative refuses forever
	conns []*fakeConn
	gate  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		return nil, errDialRefused
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = time.Second
	cfg.Reconnect = ReconnectPolicy{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  3,
	}
	return cfg
}

func newTestSession(t *testing.T, d Dialer) (*Session, *EventHub) {
	t.Helper()
	hub := NewEventHub(testLogger())
	s, err := NewSession(testConfig(), d, hub, testLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, hub
}

// stateRecorder collects every published state transition.
type stateRecorder struct {
	mu     sync.Mutex
	events []StateEvent
}

func recordStates(hub *EventHub) *stateRecorder {
	r := &stateRecorder{}
	hub.SubscribeState(func(ev StateEvent) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) seen(state ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.NewState == state {
			return true
		}
	}
	return false
}

func waitState(t *testing.T, s *Session, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s (now %s)", want, s.State())
}
