package chat

import (
	"encoding/json"
	"time"

	"github.com/ageniuscoder/gymchat/internal/storage"
	"github.com/spf13/cast"
)

const (
	EventNewMessage  = "newMessage"
	EventOnlineUsers = "onlineUsers"
	EventSendMessage = "sendMessage"
	EventAck         = "ack"
	EventError       = "error"
)

// Envelope wraps every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WireMessage is the socket rendering of a stored message. Timestamp is epoch
// milliseconds.
type WireMessage struct {
	ID         int64  `json:"id"`
	FromUserID int64  `json:"from_user_id"`
	ToUserID   int64  `json:"to_user_id"`
	Content    string `json:"content"`
	ImageURL   string `json:"image_url,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

func ToWire(m storage.Message) WireMessage {
	return WireMessage{
		ID:         m.ID,
		FromUserID: m.FromUserID,
		ToUserID:   m.ToUserID,
		Content:    m.Content,
		ImageURL:   m.ImageURL,
		Timestamp:  m.CreatedAt.UnixMilli(),
	}
}

// userID accepts a JSON number or a numeric string.
type userID int64

func (u *userID) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	n, err := cast.ToInt64E(raw)
	if err != nil {
		return err
	}
	*u = userID(n)
	return nil
}

type sendPayload struct {
	ToUserID  userID `json:"to_user_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type ackBody struct {
	Error   string       `json:"error,omitempty"`
	Message *WireMessage `json:"message,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func encode(event, id string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, ID: id, Data: raw})
}

// sentAt picks the client's creation time when it is plausible so the
// echoed message carries the timestamp of the optimistic copy.
func sentAt(clientMillis int64, now time.Time) time.Time {
	if clientMillis <= 0 {
		return now
	}
	t := time.UnixMilli(clientMillis)
	if t.After(now.Add(clockSkew)) || t.Before(now.Add(-maxBackdate)) {
		return now
	}
	return t
}
