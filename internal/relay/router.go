package relay

import (
	"sync"

	"sealroom.dev/go/sealroom/internal/protocol"
)

// Peer is one live transport connection of an identity.
type Peer interface {
	Identity() string

	// Send queues an event without blocking. A peer that cannot keep up
	// closes itself.
	Send(ev *protocol.Event) error
}

// Router maps identities to their live connections. An identity may hold
// several connections at once, one per device, each joined to at most one
// room.
type Router struct {
	mu     sync.RWMutex
	byName map[string]map[Peer]string // identity -> peer -> joined room
	byRoom map[string]map[Peer]struct{}
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		byName: make(map[string]map[Peer]string),
		byRoom: make(map[string]map[Peer]struct{}),
	}
}

// Register adds p to its identity's live set. It has not joined a room yet.
func (r *Router) Register(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byName[p.Identity()]
	if !ok {
		set = make(map[Peer]string)
		r.byName[p.Identity()] = set
	}
	set[p] = ""
}

// SetRoom records that p joined room, leaving any earlier room. An empty
// room leaves without joining. It returns the room p left, or "".
func (r *Router) SetRoom(p Peer, room string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byName[p.Identity()]
	if !ok {
		return ""
	}
	prev, ok := set[p]
	if !ok {
		return ""
	}
	if prev != "" {
		r.removeFromRoom(p, prev)
	}

	set[p] = room
	if room == "" {
		return prev
	}
	peers, ok := r.byRoom[room]
	if !ok {
		peers = make(map[Peer]struct{})
		r.byRoom[room] = peers
	}
	peers[p] = struct{}{}
	return prev
}

// Unregister removes exactly p. It returns the room p was joined to and
// whether the identity has no live connections left.
func (r *Router) Unregister(p Peer) (room string, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byName[p.Identity()]
	if !ok {
		return "", true
	}
	room, ok = set[p]
	if !ok {
		return "", len(set) == 0
	}

	delete(set, p)
	if room != "" {
		r.removeFromRoom(p, room)
	}
	if len(set) == 0 {
		delete(r.byName, p.Identity())
		return room, true
	}
	return room, false
}

func (r *Router) removeFromRoom(p Peer, room string) {
	peers := r.byRoom[room]
	delete(peers, p)
	if len(peers) == 0 {
		delete(r.byRoom, room)
	}
}

// Route delivers ev to every connection of env.To that is joined to
// env.Room and returns the number of connections reached. Offline
// recipients are skipped.
func (r *Router) Route(env protocol.Envelope, ev *protocol.Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for p, room := range r.byName[env.To] {
		if room != env.Room {
			continue
		}
		if err := p.Send(ev); err == nil {
			n++
		}
	}
	return n
}

// Broadcast sends ev to every connection joined to room.
func (r *Router) Broadcast(room string, ev *protocol.Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for p := range r.byRoom[room] {
		if err := p.Send(ev); err == nil {
			n++
		}
	}
	return n
}

// OnlineIn returns the identities with at least one connection in room.
func (r *Router) OnlineIn(room string) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := make(map[string]bool)
	for p := range r.byRoom[room] {
		online[p.Identity()] = true
	}
	return online
}

// RoomsOf returns the rooms identity currently has connections in.
func (r *Router) RoomsOf(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var rooms []string
	for _, room := range r.byName[identity] {
		if room != "" && !seen[room] {
			seen[room] = true
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// Connected reports whether identity has any live connection.
func (r *Router) Connected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName[identity]) > 0
}
