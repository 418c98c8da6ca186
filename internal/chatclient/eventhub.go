package chatclient

import (
	"fmt"
	"log/slog"
	"sync"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// topic is an ordered subscriber list for one event kind.
type topic[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

func (t *topic[T]) subscribe(fn func(T)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := make([]subscriber[T], 0, len(t.subs))
	for _, s := range t.subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	t.subs = kept
}

func (t *topic[T]) snapshot() []subscriber[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs
}

func (t *topic[T]) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// EventHub fans inbound events out to UI subscribers. Delivery is synchronous
// and in registration order, so handlers must not block. Events published
// while nobody is subscribed are dropped.
type EventHub struct {
	logger *slog.Logger

	messages topic[Message]
	presence topic[PresenceSet]
	states   topic[StateEvent]
	errs     topic[error]
}

func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{logger: logger.With("component", "eventhub")}
}

// SubscribeMessage registers fn for every inbound message.
func (h *EventHub) SubscribeMessage(fn func(Message)) func() { return h.messages.subscribe(fn) }

// SubscribePresence registers fn for every presence replacement.
func (h *EventHub) SubscribePresence(fn func(PresenceSet)) func() { return h.presence.subscribe(fn) }

// SubscribeState registers fn for connection state transitions.
func (h *EventHub) SubscribeState(fn func(StateEvent)) func() { return h.states.subscribe(fn) }

// SubscribeError registers fn for asynchronous errors (reconnect failures, bad frames).
func (h *EventHub) SubscribeError(fn func(error)) func() { return h.errs.subscribe(fn) }

// Subscribers returns the number of live message and presence subscriptions.
func (h *EventHub) Subscribers() (messages, presence int) {
	return h.messages.count(), h.presence.count()
}

func (h *EventHub) publishMessage(m Message) { publish(h, &h.messages, "message", m) }

func (h *EventHub) publishPresence(p PresenceSet) { publish(h, &h.presence, "presence", p) }

func (h *EventHub) publishState(ev StateEvent) { publish(h, &h.states, "state", ev) }

func (h *EventHub) publishError(err error) {
	if err == nil {
		return
	}
	publish(h, &h.errs, "error", err)
}

func publish[T any](h *EventHub, t *topic[T], kind string, v T) {
	for _, s := range t.snapshot() {
		deliver(h.logger, kind, s.fn, v)
	}
}

// deliver isolates one handler so a panic cannot starve later subscribers.
func deliver[T any](logger *slog.Logger, kind string, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber panicked", "event", kind, "panic", fmt.Sprint(r))
		}
	}()
	fn(v)
}
