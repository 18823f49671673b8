package relay

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handle is one connection's membership in a fan-out group. The transport
// layer drains Deliver into the socket.
type Handle struct {
	ID      string
	Deliver chan json.RawMessage
}

func NewHandle(id string, buffer int) *Handle {
	return &Handle{
		ID:      id,
		Deliver: make(chan json.RawMessage, buffer),
	}
}

type group struct {
	mu sync.Mutex
	// closed marks a group that was removed from the registry after its
	// last member left. A Join that raced the removal must not resurrect
	// the orphaned object.
	closed  bool
	members map[string]*Handle
}

// Registry is the fan-out channel: it maps group keys to their current
// members and delivers published events to every member except the
// publisher. Each group is its own critical section; the registry lock only
// guards the group table.
type Registry struct {
	mu     sync.RWMutex
	groups map[GroupKey]*group
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[GroupKey]*group)}
}

// Join registers a handle with a group, creating the group on first join.
// Joining twice with the same handle is a no-op.
func (r *Registry) Join(key GroupKey, h *Handle) {
	var count int
	for {
		r.mu.Lock()
		g, ok := r.groups[key]
		if !ok {
			g = &group{members: make(map[string]*Handle)}
			r.groups[key] = g
		}
		r.mu.Unlock()

		g.mu.Lock()
		if g.closed {
			// The last member's Leave dropped this group between the
			// lookup and here. Retry against the registry.
			g.mu.Unlock()
			continue
		}
		g.members[h.ID] = h
		count = len(g.members)
		g.mu.Unlock()
		break
	}

	log.Info().
		Str("groupKey", key.String()).
		Str("connId", h.ID).
		Int("memberCount", count).
		Msg("connection joined group")
}

// Leave removes a handle from a group. A group with no remaining members is
// dropped; leaving a group that no longer exists is safe.
func (r *Registry) Leave(key GroupKey, h *Handle) {
	r.mu.RLock()
	g, ok := r.groups[key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	delete(g.members, h.ID)
	count := len(g.members)
	g.mu.Unlock()

	if count == 0 {
		r.mu.Lock()
		if g, ok := r.groups[key]; ok {
			g.mu.Lock()
			if len(g.members) == 0 {
				g.closed = true
				delete(r.groups, key)
			}
			g.mu.Unlock()
		}
		r.mu.Unlock()
	}

	log.Info().
		Str("groupKey", key.String()).
		Str("connId", h.ID).
		Int("memberCount", count).
		Msg("connection left group")
}

// Publish delivers msg to every member of the group except the publisher.
// Publishing to a missing or empty group is a no-op. Delivery into a full
// member buffer drops the event rather than blocking the publisher.
func (r *Registry) Publish(key GroupKey, msg json.RawMessage, publisherID string) {
	r.mu.RLock()
	g, ok := r.groups[key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, member := range g.members {
		if id == publisherID {
			continue
		}
		select {
		case member.Deliver <- msg:
		default:
			log.Warn().
				Str("groupKey", key.String()).
				Str("connId", id).
				Msg("member delivery buffer full, dropping event")
		}
	}
}

// MemberCount reports the current size of a group; zero for unknown groups.
func (r *Registry) MemberCount(key GroupKey) int {
	r.mu.RLock()
	g, ok := r.groups[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}
