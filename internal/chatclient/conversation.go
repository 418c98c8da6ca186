package chatclient

import (
	"sort"
	"sync"
)

// IsDuplicate reports whether candidate is already represented in buffer,
// either by id or by the (content, sender, timestamp) triple. The second
// clause matches an optimistic local copy against its server echo, which
// carries a different, server-assigned id.
func IsDuplicate(buffer []Message, candidate Message) bool {
	return duplicateIndex(buffer, candidate) >= 0
}

func duplicateIndex(buffer []Message, candidate Message) int {
	for i, m := range buffer {
		if candidate.ID != "" && m.ID == candidate.ID {
			return i
		}
		if m.Content == candidate.Content &&
			m.FromUserID == candidate.FromUserID &&
			m.Timestamp.Equal(candidate.Timestamp) {
			return i
		}
	}
	return -1
}

func messageLess(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Conversation is the ordered message buffer of one peer pair. It is safe
// for concurrent use: the history loader and the live event stream both
// write to it.
type Conversation struct {
	Key ConversationKey

	mu       sync.RWMutex
	messages []Message
}

func NewConversation(key ConversationKey) *Conversation {
	return &Conversation{Key: key}
}

// Insert adds m unless it is a duplicate and reports whether the buffer grew.
// A server copy of an optimistic local entry replaces the local id in place.
func (c *Conversation) Insert(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := duplicateIndex(c.messages, m); i >= 0 {
		existing := c.messages[i]
		if existing.IsLocal() && m.ID != "" && !m.IsLocal() {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			c.insertSortedLocked(m)
		}
		return false
	}
	c.insertSortedLocked(m)
	return true
}

// Merge inserts every message and returns how many were new.
func (c *Conversation) Merge(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if c.Insert(m) {
			added++
		}
	}
	return added
}

// Remove drops the entry with the given id.
func (c *Conversation) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.messages {
		if m.ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the ordered buffer.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (c *Conversation) insertSortedLocked(m Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return messageLess(m, c.messages[i])
	})
	c.messages = append(c.messages, Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
}

// ConversationStore holds the in-memory conversations of a client session.
// Nothing in it is persisted; it is rebuilt from REST and socket data.
type ConversationStore struct {
	mu    sync.Mutex
	convs map[ConversationKey]*Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: map[ConversationKey]*Conversation{}}
}

// Get returns the conversation for key, creating an empty one if needed.
func (s *ConversationStore) Get(key ConversationKey) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[key]
	if !ok {
		conv = NewConversation(key)
		s.convs[key] = conv
	}
	return conv
}

func (s *ConversationStore) Lookup(key ConversationKey) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[key]
	return conv, ok
}

// Insert routes m to its conversation. Messages without both endpoints are dropped.
func (s *ConversationStore) Insert(m Message) bool {
	if m.FromUserID == "" || m.ToUserID == "" {
		return false
	}
	return s.Get(KeyOf(m)).Insert(m)
}

// Reset forgets every conversation.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	s.convs = map[ConversationKey]*Conversation{}
	s.mu.Unlock()
}
