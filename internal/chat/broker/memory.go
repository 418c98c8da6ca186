package broker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

const subscriberBuffer = 256

// Memory is an in-process broker. Several hubs sharing one Memory behave like
// nodes sharing a Redis broker.
type Memory struct {
	logger *slog.Logger

	mu     sync.Mutex
	counts map[int64]int64
	subs   map[chan Delivery]struct{}
	closed bool
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger: logger.With("component", "broker", "kind", "memory"),
		counts: map[int64]int64{},
		subs:   map[chan Delivery]struct{}{},
	}
}

// Publish never blocks; a subscriber whose buffer is full misses d.
func (m *Memory) Publish(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- d:
		default:
			m.logger.Warn("subscriber full, dropping delivery", "origin", d.Origin)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	ch := make(chan Delivery, subscriberBuffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, nil
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *Memory) Join(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[userID]++
	return m.counts[userID], nil
}

func (m *Memory) Leave(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counts[userID] - 1
	if n <= 0 {
		delete(m.counts, userID)
		return 0, nil
	}
	m.counts[userID] = n
	return n, nil
}

func (m *Memory) Online(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.counts))
	for id := range m.counts {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subs {
		close(ch)
	}
	m.subs = map[chan Delivery]struct{}{}
	return nil
}
