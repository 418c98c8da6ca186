package chatclient

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
)

// messageFields lists, per canonical field, the raw keys consulted in order.
// The first key holding a non-empty value wins.
var messageFields = struct {
	ID, From, To, Content, Timestamp, Image []string
}{
	ID:        []string{"chat_id", "id", "message_id", "_id"},
	From:      []string{"user_id", "from_user_id", "sender_id", "from"},
	To:        []string{"to_user_id", "receiver_id", "recipient_id", "to"},
	Content:   []string{"content", "message", "text", "body"},
	Timestamp: []string{"created_at", "timestamp", "sent_at", "ts"},
	Image:     []string{"image_url", "imageUrl", "image"},
}

var contactFields = struct {
	ID, Name, LastMessage, Avatar []string
}{
	ID:          []string{"id", "user_id"},
	Name:        []string{"display_name", "username", "name"},
	LastMessage: []string{"last_message", "lastMessage"},
	Avatar:      []string{"avatar_url", "avatar", "profile_picture"},
}

// Normalize maps a decoded payload onto the canonical Message. It never fails:
// anything it cannot resolve stays at the zero value.
func Normalize(raw map[string]any) Message {
	if raw == nil {
		return Message{}
	}
	return Message{
		ID:         lookupString(raw, messageFields.ID),
		FromUserID: Identity(lookupString(raw, messageFields.From)),
		ToUserID:   Identity(lookupString(raw, messageFields.To)),
		Content:    lookupString(raw, messageFields.Content),
		Timestamp:  lookupTime(raw, messageFields.Timestamp),
		ImageURL:   lookupString(raw, messageFields.Image),
	}
}

// NormalizeJSON decodes and normalizes a single payload. Malformed input
// yields an empty Message.
func NormalizeJSON(data []byte) Message {
	raw, ok := decodeObject(data)
	if !ok {
		return Message{}
	}
	return Normalize(raw)
}

// NormalizeContact maps a contact payload. The last message may be either a
// plain string or a message-shaped object.
func NormalizeContact(raw map[string]any) Contact {
	if raw == nil {
		return Contact{}
	}
	c := Contact{
		ID:          Identity(lookupString(raw, contactFields.ID)),
		DisplayName: lookupString(raw, contactFields.Name),
		AvatarURL:   lookupString(raw, contactFields.Avatar),
	}
	if v, ok := lookup(raw, contactFields.LastMessage); ok {
		if obj, isObj := v.(map[string]any); isObj {
			c.LastMessage = Normalize(obj).Content
		} else {
			c.LastMessage = toString(v)
		}
	}
	return c
}

func decodeObject(data []byte) (map[string]any, bool) {
	var raw map[string]any
	if err := decodeJSON(data, &raw); err != nil {
		return nil, false
	}
	return raw, raw != nil
}

// decodeJSON keeps numbers as json.Number so large ids survive intact.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func lookup(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func lookupString(raw map[string]any, keys []string) string {
	v, ok := lookup(raw, keys)
	if !ok {
		return ""
	}
	return toString(v)
}

func lookupTime(raw map[string]any, keys []string) time.Time {
	v, ok := lookup(raw, keys)
	if !ok {
		return time.Time{}
	}
	return toTime(v)
}

func toString(v any) string {
	switch v.(type) {
	case map[string]any, []any, bool:
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return s
}

// toTime treats numbers as epoch milliseconds and parses strings leniently.
func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case bool, map[string]any, []any:
		return time.Time{}
	case string:
		ts, err := dateparse.ParseIn(strings.TrimSpace(t), time.UTC)
		if err != nil {
			return time.Time{}
		}
		return ts.UTC()
	}
	ms, err := cast.ToInt64E(v)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
