package chatclient

import (
	"sort"
	"sync"
)

// PresenceSet is an immutable snapshot of the identities currently online.
type PresenceSet struct {
	ids map[Identity]struct{}
}

func NewPresenceSet(ids ...Identity) PresenceSet {
	set := PresenceSet{ids: make(map[Identity]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			set.ids[id] = struct{}{}
		}
	}
	return set
}

func (p PresenceSet) Has(id Identity) bool {
	_, ok := p.ids[id]
	return ok
}

func (p PresenceSet) Len() int { return len(p.ids) }

// List returns the online identities in sorted order.
func (p PresenceSet) List() []Identity {
	out := make([]Identity, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Presence tracks the latest server broadcast. Every broadcast replaces the
// whole set; there are no incremental updates.
type Presence struct {
	mu      sync.RWMutex
	current PresenceSet
}

func NewPresence() *Presence {
	return &Presence{current: NewPresenceSet()}
}

func (p *Presence) Replace(ids []Identity) PresenceSet {
	next := NewPresenceSet(ids...)
	p.mu.Lock()
	p.current = next
	p.mu.Unlock()
	return next
}

func (p *Presence) Clear() PresenceSet {
	return p.Replace(nil)
}

func (p *Presence) IsOnline(id Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Has(id)
}

func (p *Presence) Snapshot() PresenceSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}
