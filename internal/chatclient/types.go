package chatclient

import (
	"strconv"
	"strings"
	"time"
)

// Identity is the opaque user id a chat session is keyed by.
type Identity string

// IdentityFromInt renders a numeric user id.
func IdentityFromInt(id int64) Identity {
	return Identity(strconv.FormatInt(id, 10))
}

func (i Identity) String() string { return string(i) }

// Message is the canonical in-memory message, independent of which API shape it
// arrived in. Fields that could not be resolved hold their zero value.
type Message struct {
	ID         string    `json:"id"`
	FromUserID Identity  `json:"from_user_id"`
	ToUserID   Identity  `json:"to_user_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	ImageURL   string    `json:"image_url,omitempty"`
}

const localIDPrefix = "local-"

// IsLocal reports whether the message is an optimistic copy that has not been
// acknowledged by the server yet.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// Peer returns the other side of the conversation as seen by self.
func (m Message) Peer(self Identity) Identity {
	if m.FromUserID == self {
		return m.ToUserID
	}
	return m.FromUserID
}

// Contact is an entry of the contact list.
type Contact struct {
	ID          Identity `json:"id"`
	DisplayName string   `json:"display_name"`
	LastMessage string   `json:"last_message,omitempty"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
}

// Credentials is what an identity provider hands to the client before connecting.
type Credentials struct {
	Identity Identity
	Token    string
}

// ConversationKey identifies a one-to-one conversation regardless of direction.
type ConversationKey struct {
	A Identity
	B Identity
}

// KeyFor builds the unordered key for a pair of identities.
func KeyFor(a, b Identity) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{A: a, B: b}
}

// KeyOf returns the conversation a message belongs to.
func KeyOf(m Message) ConversationKey {
	return KeyFor(m.FromUserID, m.ToUserID)
}
