package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 10
	sendBuffer     = 256
)

// Client is one socket of one identity.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	UserID int64
}

func newClient(h *Hub, conn *websocket.Conn, userID int64) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With("user_id", userID),
		UserID: userID,
	}
}

// enqueue queues an encoded frame without blocking. It reports false when
// the client is closed or its buffer is full.
func (c *Client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) close() { c.once.Do(func() { close(c.done) }) }

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("socket closed", "err", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.reply(EventError, "", errorBody{Error: "malformed frame"})
			continue
		}
		switch env.Event {
		case EventSendMessage:
			c.handleSend(env)
		default:
			c.reply(EventError, env.ID, errorBody{Error: "unknown event " + env.Event})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) reply(event, id string, data any) {
	b, err := encode(event, id, data)
	if err != nil {
		c.logger.Error("encode reply", "event", event, "err", err)
		return
	}
	if !c.enqueue(b) {
		c.logger.Warn("reply dropped", "event", event)
	}
}

func (c *Client) nack(id, reason string) {
	c.reply(EventAck, id, ackBody{Error: reason})
}

// handleSend validates, persists, acks to this socket, then fans the message
// out to every socket of both participants.
func (c *Client) handleSend(env Envelope) {
	var p sendPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.nack(env.ID, "invalid payload")
		return
	}
	m, reason, err := c.hub.accept(c.UserID, p)
	if err != nil {
		c.logger.Error("send message", "err", err)
		c.nack(env.ID, "could not save message")
		return
	}
	if reason != "" {
		c.nack(env.ID, reason)
		return
	}

	wire := ToWire(m)
	c.reply(EventAck, env.ID, ackBody{Message: &wire})

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.hub.DeliverMessage(ctx, m); err != nil {
		c.logger.Warn("deliver message", "message_id", m.ID, "err", err)
	}
}

// accept returns either the stored message, a rejection reason for the
// sender, or an internal error.
func (h *Hub) accept(from int64, p sendPayload) (storage.Message, string, error) {
	content := strings.TrimSpace(p.Content)
	to := int64(p.ToUserID)
	switch {
	case content == "":
		return storage.Message{}, "content is required", nil
	case utf8.RuneCountInString(content) > maxContentRunes:
		return storage.Message{}, "content is too long", nil
	case to <= 0:
		return storage.Message{}, "to_user_id is required", nil
	case to == from:
		return storage.Message{}, "cannot message yourself", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ok, err := h.store.UserExists(ctx, to)
	if err != nil {
		return storage.Message{}, "", err
	}
	if !ok {
		return storage.Message{}, "recipient not found", nil
	}
	m, err := h.store.SaveMessage(ctx, storage.Message{
		FromUserID: from,
		ToUserID:   to,
		Content:    content,
		CreatedAt:  sentAt(p.CreatedAt, time.Now()),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Message{}, "recipient not found", nil
	}
	return m, "", err
}
