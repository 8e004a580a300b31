package realtime

import (
	"sync"

	v1 "arena/shared/contracts/battle/v1"
)

// Room is the set of connections bound to one lobby.
//
// Join/Leave are safe under concurrent Broadcast. Broadcast never blocks: a member whose
// queue is full or that is shutting down misses the frame.
type Room struct {
	ID string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs an empty room.
func NewRoom(lobbyID string) *Room {
	return &Room{ID: lobbyID, members: make(map[string]*Client)}
}

// Join adds a client.
func (r *Room) Join(c *Client) {
	if r == nil || c == nil || c.ConnID == "" {
		return
	}
	r.mu.Lock()
	r.members[c.ConnID] = c
	r.mu.Unlock()
}

// Leave removes a connection and reports how many members remain.
func (r *Room) Leave(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, connID)
	return len(r.members)
}

// Len returns the member count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans env out to every member except skip ("" skips nobody) and returns the
// number of members it was queued for.
func (r *Room) Broadcast(env v1.Envelope, skip string) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for id, m := range r.members {
		if id == skip {
			continue
		}
		if m.offer(env) {
			sent++
		}
	}
	return sent
}
