package chatclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ackSink receives ack frames and connection loss for in-flight requests.
type ackSink interface {
	resolve(env Envelope)
	failAll(err error)
}

// Session owns the single long-lived socket to the chat server, its state
// machine and the reconnect schedule.
type Session struct {
	cfg      Config
	dialer   Dialer
	hub      *EventHub
	presence *Presence
	logger   *slog.Logger
	loop     *eventLoop

	mu              sync.Mutex
	state           ConnectionState
	creds           Credentials
	conn            Conn
	connCtx         context.Context
	connCancel      context.CancelFunc
	reconnectCancel context.CancelFunc
	epoch           uint64
	acks            ackSink
}

func NewSession(cfg Config, dialer Dialer, hub *EventHub, logger *slog.Logger) (*Session, error) {
	if dialer == nil {
		return nil, errors.New("chatclient: dialer is required")
	}
	if hub == nil {
		return nil, errors.New("chatclient: event hub is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		dialer:   dialer,
		hub:      hub,
		presence: NewPresence(),
		logger:   logger.With("component", "session"),
		loop:     newEventLoop(),
		state:    StateDisconnected,
	}, nil
}

func (s *Session) attachAcks(sink ackSink) {
	s.mu.Lock()
	s.acks = sink
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the identity the session is bound to, or "" after Disconnect.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Identity
}

// Presence exposes the last onlineUsers set.
func (s *Session) Presence() *Presence { return s.presence }

// Connect opens the channel for creds. Calling it again for the same identity
// while connecting, connected or reconnecting is a no-op; a different identity
// tears down the current channel first.
func (s *Session) Connect(ctx context.Context, creds Credentials) error {
	if creds.Identity == "" {
		return &Error{Kind: KindValidation, Code: CodeInvalidArgument, Op: "connect", Reason: "identity is required"}
	}

	s.mu.Lock()
	if s.creds.Identity == creds.Identity && s.isActiveLocked() {
		s.mu.Unlock()
		return nil
	}
	var old Conn
	if s.isActiveLocked() {
		s.logger.Info("switching identity", "from", s.creds.Identity, "to", creds.Identity)
		old = s.teardownLocked()
		s.transitionLocked(StateDisconnected, nil)
	}
	s.creds = creds
	s.epoch++
	epoch := s.epoch
	s.transitionLocked(StateConnecting, nil)
	s.mu.Unlock()

	if old != nil {
		s.afterTeardown(old)
	}

	conn, err := s.dialer.Dial(ctx, creds)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		if conn != nil {
			go conn.Close()
		}
		return opError("connect", ErrDisconnected)
	}
	if err != nil {
		s.logger.Warn("dial failed", "user_id", creds.Identity, "err", err)
		dialErr := transportError("connect", CodeDial, err)
		s.transitionLocked(StateDisconnected, dialErr)
		return dialErr
	}
	s.attachLocked(conn)
	return nil
}

// Disconnect closes the channel, forgets the identity and cancels any
// scheduled reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.epoch++
	conn := s.teardownLocked()
	s.creds = Credentials{}
	s.transitionLocked(StateDisconnected, nil)
	s.mu.Unlock()

	s.afterTeardown(conn)
}

// Close disconnects and stops event delivery. The session cannot be reused.
func (s *Session) Close() {
	s.Disconnect()
	s.loop.stop()
}

// TriggerReconnect starts one reconnect sequence in the background when an
// identity is retained and the session is idle. It reports whether a
// sequence was started.
func (s *Session) TriggerReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds.Identity == "" {
		return false
	}
	if s.state != StateDisconnected && s.state != StatePermanentlyDisconnected {
		return false
	}
	s.epoch++
	s.transitionLocked(StateConnecting, nil)
	s.startReconnectLocked(true)
	return true
}

// write sends env on the current conn. The write is bound to the conn's
// lifetime rather than a caller's context: abandoning a half-written frame
// would break the socket for every other sender.
func (s *Session) write(env Envelope) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil || ctx == nil {
		return opError("send", ErrNotConnected)
	}
	if err := conn.Write(ctx, env); err != nil {
		return transportError("send", CodeDisconnected, err)
	}
	return nil
}

func (s *Session) isActiveLocked() bool {
	switch s.state {
	case StateConnecting, StateConnected, StateReconnecting:
		return true
	}
	return false
}

func (s *Session) transitionLocked(to ConnectionState, err error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	ev := StateEvent{OldState: from, NewState: to, Identity: s.creds.Identity, Error: err}
	s.logger.Debug("state change", "from", from, "to", to, "user_id", ev.Identity)
	s.loop.enqueue(func() { s.hub.publishState(ev) })
}

// attachLocked adopts a freshly dialed conn and starts its read loop.
func (s *Session) attachLocked(conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = ctx
	s.connCancel = cancel
	s.transitionLocked(StateConnected, nil)
	s.logger.Info("connected", "user_id", s.creds.Identity)
	go s.readLoop(ctx, conn)
}

// teardownLocked detaches the current conn and stops background work. The
// returned conn must be passed to afterTeardown once the lock is released.
func (s *Session) teardownLocked() Conn {
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.connCtx = nil
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *Session) afterTeardown(conn Conn) {
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close failed", "err", err)
		}
	}
	s.failPending(ErrDisconnected)
	s.clearPresence()
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	sink := s.acks
	s.mu.Unlock()
	if sink != nil {
		sink.failAll(err)
	}
}

func (s *Session) clearPresence() {
	s.loop.enqueue(func() {
		if s.presence.Snapshot().Len() == 0 {
			return
		}
		s.hub.publishPresence(s.presence.Clear())
	})
}

func (s *Session) readLoop(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			s.handleDrop(conn, err)
			return
		}
		s.route(env)
	}
}

func (s *Session) handleDrop(conn Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Deliberate teardown or an identity switch already replaced it.
		s.mu.Unlock()
		return
	}
	s.logger.Warn("connection lost", "user_id", s.creds.Identity, "err", err)
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.connCtx = nil
	s.conn = nil
	s.transitionLocked(StateReconnecting, transportError("read", CodeDisconnected, err))
	s.startReconnectLocked(false)
	s.mu.Unlock()

	go conn.Close()
	s.failPending(ErrDisconnected)
	s.clearPresence()
}

func (s *Session) route(env Envelope) {
	switch env.Event {
	case eventAck:
		s.mu.Lock()
		sink := s.acks
		s.mu.Unlock()
		if sink != nil {
			sink.resolve(env)
		}
	case eventNewMessage:
		raw, ok := decodeObject(env.Data)
		if !ok {
			s.logger.Debug("dropping malformed newMessage", "data", string(env.Data))
			return
		}
		m := Normalize(raw)
		s.loop.enqueue(func() { s.hub.publishMessage(m) })
	case eventOnlineUsers:
		ids, ok := decodeIdentities(env.Data)
		if !ok {
			s.logger.Debug("dropping malformed onlineUsers", "data", string(env.Data))
			return
		}
		s.loop.enqueue(func() { s.hub.publishPresence(s.presence.Replace(ids)) })
	case eventError:
		var p errorPayload
		_ = json.Unmarshal(env.Data, &p)
		err := &Error{Kind: KindProtocol, Code: CodeServer, Op: "socket", Reason: p.Error}
		s.loop.enqueue(func() { s.hub.publishError(err) })
	default:
		s.logger.Debug("ignoring event", "event", env.Event)
	}
}

// startReconnectLocked schedules a bounded reconnect sequence for the current
// epoch. immediate skips the delay before the first attempt.
func (s *Session) startReconnectLocked(immediate bool) {
	if s.reconnectCancel != nil {
		s.reconnectCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.reconnectCancel = cancel
	go s.reconnectLoop(ctx, s.epoch, s.creds, immediate)
}

func (s *Session) reconnectLoop(ctx context.Context, epoch uint64, creds Credentials, immediate bool) {
	b := s.cfg.Reconnect.newBackOff()
	attempt := 0
	for {
		var delay time.Duration
		if !(immediate && attempt == 0) {
			delay = b.NextBackOff()
			if delay == backoff.Stop {
				s.giveUp(epoch, attempt)
				return
			}
		}
		attempt++

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		conn, err := s.dialer.Dial(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "user_id", creds.Identity, "err", err)
			dialErr := transportError("reconnect", CodeDial, err)
			s.mu.Lock()
			if epoch == s.epoch {
				s.transitionLocked(StateReconnecting, dialErr)
			}
			s.mu.Unlock()
			s.loop.enqueue(func() { s.hub.publishError(dialErr) })
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil || epoch != s.epoch {
			s.mu.Unlock()
			go conn.Close()
			return
		}
		s.reconnectCancel = nil
		s.attachLocked(conn)
		s.mu.Unlock()
		return
	}
}

func (s *Session) giveUp(epoch uint64, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	s.reconnectCancel = nil
	s.logger.Error("giving up reconnect", "user_id", s.creds.Identity, "attempts", attempts)
	s.transitionLocked(StatePermanentlyDisconnected, opError("reconnect", ErrPermanentlyDisconnected))
}

// decodeIdentities accepts a bare array or an object wrapping it under
// "users" or "data".
func decodeIdentities(data json.RawMessage) ([]Identity, bool) {
	var list []any
	if err := decodeJSON(data, &list); err != nil {
		var wrapped map[string]any
		if err := decodeJSON(data, &wrapped); err != nil {
			return nil, false
		}
		inner, ok := lookup(wrapped, []string{"users", "data", "online"})
		if !ok {
			return nil, false
		}
		if list, ok = inner.([]any); !ok {
			return nil, false
		}
	}
	ids := make([]Identity, 0, len(list))
	for _, v := range list {
		if id := toString(v); id != "" {
			ids = append(ids, Identity(id))
		}
	}
	return ids, true
}
