package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ageniuscoder/gymchat/internal/chat/broker"
	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	maxContentRunes = 4000
	clockSkew       = time.Minute
	maxBackdate     = 24 * time.Hour
	storeTimeout    = 5 * time.Second
)

// Store is the persistence the hub needs.
type Store interface {
	UserExists(ctx context.Context, id int64) (bool, error)
	SaveMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	TouchLastActive(ctx context.Context, id int64, at time.Time) error
}

type Hub struct {
	store  Store
	broker broker.Broker
	logger *slog.Logger
	nodeID string

	register   chan *Client
	unregister chan *Client
	local      chan broker.Delivery
	done       chan struct{}

	// userID -> set of client connections (multi-tab / multi-device)
	clients map[int64]map[*Client]bool
}

func NewHub(store Store, b broker.Broker, logger *slog.Logger) (*Hub, error) {
	if store == nil {
		return nil, errors.New("chat: store is nil")
	}
	if b == nil {
		return nil, errors.New("chat: broker is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	nodeID := uuid.NewString()
	return &Hub{
		store:      store,
		broker:     b,
		logger:     logger.With("component", "hub", "node", nodeID[:8]),
		nodeID:     nodeID,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		local:      make(chan broker.Delivery, 256),
		done:       make(chan struct{}),
		clients:    make(map[int64]map[*Client]bool),
	}, nil
}

// Run owns the connection map until ctx ends. Deliveries published by other
// nodes arrive through the broker; this node's own arrive on h.local.
func (h *Hub) Run(ctx context.Context) error {
	remote, err := h.broker.Subscribe(ctx)
	if err != nil {
		close(h.done)
		return errors.Wrap(err, "subscribe broker")
	}
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			h.add(ctx, c)
		case c := <-h.unregister:
			h.remove(ctx, c)
		case d := <-h.local:
			h.deliverLocal(d)
		case d, ok := <-remote:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("broker subscription closed")
			}
			if d.Origin == h.nodeID {
				continue
			}
			h.deliverLocal(d)
		}
	}
}

// Deliver routes an encoded frame to every connection of the given users on
// every node.
func (h *Hub) Deliver(ctx context.Context, payload []byte, to ...int64) error {
	d := broker.Delivery{Origin: h.nodeID, To: to, Payload: payload}
	select {
	case h.local <- d:
	case <-h.done:
		return errors.New("hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.broker.Publish(ctx, d)
}

// DeliverMessage pushes m as newMessage to both participants.
func (h *Hub) DeliverMessage(ctx context.Context, m storage.Message) error {
	payload, err := encode(EventNewMessage, "", ToWire(m))
	if err != nil {
		return err
	}
	to := []int64{m.ToUserID}
	if m.FromUserID != m.ToUserID {
		to = append(to, m.FromUserID)
	}
	return h.Deliver(ctx, payload, to...)
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) add(ctx context.Context, c *Client) {
	set := h.clients[c.UserID]
	first := len(set) == 0
	if set == nil {
		set = make(map[*Client]bool)
		h.clients[c.UserID] = set
	}
	set[c] = true
	h.logger.Debug("client registered", "user_id", c.UserID, "conns", len(set))

	if !first {
		h.sendPresence(ctx, c)
		return
	}
	h.touch(ctx, c.UserID)
	n, err := h.broker.Join(ctx, c.UserID)
	if err != nil {
		h.logger.Error("presence join", "user_id", c.UserID, "err", err)
	}
	if n == 1 {
		h.broadcastPresence(ctx)
		return
	}
	h.sendPresence(ctx, c)
}

func (h *Hub) remove(ctx context.Context, c *Client) {
	set, ok := h.clients[c.UserID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	c.close()
	h.logger.Debug("client unregistered", "user_id", c.UserID, "conns", len(set))
	if len(set) > 0 {
		return
	}
	delete(h.clients, c.UserID)
	h.touch(ctx, c.UserID)
	n, err := h.broker.Leave(ctx, c.UserID)
	if err != nil {
		h.logger.Error("presence leave", "user_id", c.UserID, "err", err)
		return
	}
	if n == 0 {
		h.broadcastPresence(ctx)
	}
}

func (h *Hub) touch(ctx context.Context, userID int64) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := h.store.TouchLastActive(ctx, userID, time.Now()); err != nil {
		h.logger.Warn("touch last_active", "user_id", userID, "err", err)
	}
}

func (h *Hub) presencePayload(ctx context.Context) ([]byte, error) {
	ids, err := h.broker.Online(ctx)
	if err != nil {
		return nil, err
	}
	return encode(EventOnlineUsers, "", ids)
}

func (h *Hub) sendPresence(ctx context.Context, c *Client) {
	payload, err := h.presencePayload(ctx)
	if err != nil {
		h.logger.Error("presence list", "err", err)
		return
	}
	c.enqueue(payload)
}

// broadcastPresence sends the full online list to every connection.
func (h *Hub) broadcastPresence(ctx context.Context) {
	payload, err := h.presencePayload(ctx)
	if err != nil {
		h.logger.Error("presence list", "err", err)
		return
	}
	d := broker.Delivery{Origin: h.nodeID, All: true, Payload: payload}
	h.deliverLocal(d)
	if err := h.broker.Publish(ctx, d); err != nil {
		h.logger.Error("publish presence", "err", err)
	}
}

func (h *Hub) deliverLocal(d broker.Delivery) {
	send := func(c *Client) {
		if !c.enqueue(d.Payload) && !c.closed() {
			// slow/broken client: its read pump unregisters it once the socket closes
			h.logger.Warn("dropping slow client", "user_id", c.UserID)
			c.close()
		}
	}
	if d.All {
		for _, set := range h.clients {
			for c := range set {
				send(c)
			}
		}
		return
	}
	for _, uid := range d.To {
		for c := range h.clients[uid] {
			send(c)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for uid, set := range h.clients {
		for c := range set {
			c.close()
		}
		if _, err := h.broker.Leave(ctx, uid); err != nil {
			h.logger.Warn("presence leave on shutdown", "user_id", uid, "err", err)
		}
	}
	h.clients = make(map[int64]map[*Client]bool)
	h.logger.Info("hub stopped")
}
