package chatclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ackResult struct {
	msg Message
	err error
}

// AckBridge turns the fire-and-forget sendMessage event into a call that
// resolves with the server's acknowledgment. Concurrent sends are told apart
// by a per-request id echoed back in the ack frame.
type AckBridge struct {
	session *Session
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan ackResult
}

func NewAckBridge(session *Session, timeout time.Duration, logger *slog.Logger) (*AckBridge, error) {
	if session == nil {
		return nil, errors.New("chatclient: session is required")
	}
	if timeout <= 0 {
		return nil, errors.Errorf("chatclient: ack timeout must be positive, got %s", timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &AckBridge{
		session: session,
		timeout: timeout,
		logger:  logger.With("component", "ackbridge"),
		pending: make(map[string]chan ackResult),
	}
	session.attachAcks(b)
	return b, nil
}

// Send delivers content to the recipient, stamped with the current time.
func (b *AckBridge) Send(ctx context.Context, to Identity, content string) (Message, error) {
	return b.SendAt(ctx, to, content, time.Now())
}

// SendAt is Send with an explicit creation time, which the server stores as
// the message timestamp.
func (b *AckBridge) SendAt(ctx context.Context, to Identity, content string, at time.Time) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, opError("send", ErrEmptyContent)
	}
	if to == "" {
		return Message{}, &Error{Kind: KindValidation, Code: CodeInvalidArgument, Op: "send", Reason: "recipient is required"}
	}
	if b.session.State() != StateConnected {
		b.session.TriggerReconnect()
		return Message{}, opError("send", ErrNotConnected)
	}

	data, err := json.Marshal(SendPayload{ToUserID: to, Content: content, CreatedAt: at.UnixMilli()})
	if err != nil {
		return Message{}, err
	}
	id := uuid.NewString()
	ch := b.register(id)
	defer b.unregister(id)

	if err := b.session.write(Envelope{Event: eventSendMessage, ID: id, Data: data}); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-timer.C:
		b.logger.Warn("ack timed out", "request_id", id, "to", to)
		return Message{}, opError("send", ErrAckTimeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Pending returns the number of sends waiting for an ack.
func (b *AckBridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *AckBridge) register(id string) chan ackResult {
	ch := make(chan ackResult, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return ch
}

func (b *AckBridge) unregister(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *AckBridge) resolve(env Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.ID]
	delete(b.pending, env.ID)
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("ack for unknown request", "request_id", env.ID)
		return
	}
	ch <- parseAck(env.Data)
}

func (b *AckBridge) failAll(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]chan ackResult)
	b.mu.Unlock()

	var base *Error
	if !errors.As(err, &base) {
		base = ErrDisconnected
	}
	for _, ch := range pending {
		ch <- ackResult{err: opError("send", base)}
	}
}

func parseAck(data json.RawMessage) ackResult {
	var p ackPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ackResult{err: &Error{Kind: KindProtocol, Code: CodeMalformed, Op: "send", Wrapped: err}}
	}
	if p.Error != "" {
		return ackResult{err: ServerRejected(p.Error)}
	}
	if len(p.Message) == 0 {
		return ackResult{err: &Error{Kind: KindProtocol, Code: CodeMalformed, Op: "send", Reason: "ack without message"}}
	}
	return ackResult{msg: NormalizeJSON(p.Message)}
}
