package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"sealroom.dev/go/sealroom/internal/audit"
	"sealroom.dev/go/sealroom/internal/protocol"
	"sealroom.dev/go/sealroom/internal/store"
)

// ErrUnknownRecipient is returned when an envelope names someone outside
// the sender's room.
var ErrUnknownRecipient = errors.New("recipient is not a member of the room")

// Directory is the authoritative roster of every room. All mutation of a
// room, and every envelope relayed in it, runs under that room's lock, so
// a joiner sees each envelope exactly once: in its history replay or live.
type Directory struct {
	store   store.Store
	router  *Router
	history *History
	metrics *Metrics
	logger  *slog.Logger
	audit   *audit.Log

	// historyChunk bounds the envelope bytes of one history frame
	historyChunk int

	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	mu      sync.Mutex
	members map[string]bool // nil until loaded from the store
}

// NewDirectory wires the directory to its collaborators.
func NewDirectory(st store.Store, router *Router, history *History, metrics *Metrics, logger *slog.Logger) *Directory {
	return &Directory{
		store:   st,
		router:  router,
		history: history,
		metrics: metrics,
		logger:  logger.With("component", "directory"),
		rooms:   make(map[string]*roomState),

		historyChunk: protocol.HistoryChunkBytes,
	}
}

func (d *Directory) lock(room string) *roomState {
	d.mu.Lock()
	rs, ok := d.rooms[room]
	if !ok {
		rs = &roomState{}
		d.rooms[room] = rs
	}
	d.mu.Unlock()

	rs.mu.Lock()
	return rs
}

// load fills the member cache. Caller holds rs.mu.
func (d *Directory) load(ctx context.Context, room string, rs *roomState) error {
	if rs.members != nil {
		return nil
	}
	r, err := d.store.FindRoomByCode(ctx, room)
	if errors.Is(err, store.ErrNotFound) {
		rs.members = make(map[string]bool)
		return nil
	}
	if err != nil {
		return err
	}
	rs.members = memberSet(r.Members)
	return nil
}

// Join confirms membership of p's identity in room, broadcasts the new
// roster to the room and then sends the joiner its history as one or more
// chunks. The joiner always receives the directory before the history. On
// error p is returned to the room it was in before.
func (d *Directory) Join(ctx context.Context, p Peer, room string) (protocol.Directory, error) {
	rs := d.lock(room)

	r, added, err := d.store.JoinRoom(ctx, room, p.Identity())
	if err != nil {
		rs.mu.Unlock()
		return protocol.Directory{}, fmt.Errorf("join room: %w", err)
	}
	rs.members = memberSet(r.Members)
	prev := d.router.SetRoom(p, room)

	fail := func(snap protocol.Directory, err error) (protocol.Directory, error) {
		d.router.SetRoom(p, prev)
		if prev != room {
			d.broadcast(ctx, room, r.Members)
		}
		rs.mu.Unlock()
		return snap, err
	}

	snap, err := d.broadcast(ctx, room, r.Members)
	if err != nil {
		return fail(protocol.Directory{}, err)
	}

	hist, err := d.history.Replay(ctx, room, p.Identity())
	if err != nil {
		return fail(snap, err)
	}
	replayed := 0
	for _, chunk := range protocol.ChunkHistory(hist, d.historyChunk) {
		ev, err := protocol.NewEvent(protocol.EventHistory, chunk)
		if err != nil {
			return fail(snap, err)
		}
		if err := p.Send(ev); err != nil {
			break
		}
		replayed += len(chunk.Envelopes)
	}
	d.metrics.historyReplayed.Add(float64(replayed))
	rs.mu.Unlock()

	d.metrics.joins.Inc()
	d.logger.Info("joined room",
		"identity", p.Identity(),
		"room", room,
		"new_member", added,
		"members", len(r.Members),
		"history", len(hist))
	if added {
		if err := d.audit.Record(audit.Entry{Action: audit.ActionRoomJoined, Identity: p.Identity(), Room: room}); err != nil {
			d.logger.Warn("audit record failed", "error", err)
		}
	}

	// The previous room loses an online member
	if prev != "" && prev != room {
		d.Refresh(ctx, prev)
	}
	return snap, nil
}

// Leave unregisters p and rebroadcasts its room's roster. It reports
// whether the identity went offline.
func (d *Directory) Leave(ctx context.Context, p Peer) bool {
	room, offline := d.router.Unregister(p)
	if room != "" {
		d.Refresh(ctx, room)
	}
	return offline
}

// Refresh rebroadcasts the roster of room to its connected members.
func (d *Directory) Refresh(ctx context.Context, room string) {
	rs := d.lock(room)
	defer rs.mu.Unlock()

	r, err := d.store.FindRoomByCode(ctx, room)
	if err != nil {
		d.logger.Warn("refresh directory", "room", room, "error", err)
		return
	}
	rs.members = memberSet(r.Members)
	if _, err := d.broadcast(ctx, room, r.Members); err != nil {
		d.logger.Warn("refresh directory", "room", room, "error", err)
	}
}

// RefreshIdentity rebroadcasts every room identity belongs to that has
// connected members, e.g. after a key rotation.
func (d *Directory) RefreshIdentity(ctx context.Context, identity string) error {
	rooms, err := d.store.RoomsForUser(ctx, identity)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if len(d.router.OnlineIn(room)) > 0 {
			d.Refresh(ctx, room)
		}
	}
	return nil
}

// Snapshot builds the current roster of room.
func (d *Directory) Snapshot(ctx context.Context, room string) (protocol.Directory, error) {
	rs := d.lock(room)
	defer rs.mu.Unlock()

	r, err := d.store.FindRoomByCode(ctx, room)
	if err != nil {
		return protocol.Directory{}, err
	}
	return d.snapshot(ctx, room, r.Members)
}

// snapshot resolves member keys. Caller holds the room lock.
func (d *Directory) snapshot(ctx context.Context, room string, names []string) (protocol.Directory, error) {
	online := d.router.OnlineIn(room)
	snap := protocol.Directory{Room: room, Members: make([]protocol.Member, 0, len(names))}

	for _, name := range names {
		u, err := d.store.FindUser(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("room member has no account", "room", room, "identity", name)
			continue
		}
		if err != nil {
			return snap, fmt.Errorf("resolve member %s: %w", name, err)
		}
		snap.Members = append(snap.Members, protocol.Member{
			Name:      name,
			PublicKey: u.PublicKey,
			Online:    online[name],
		})
	}
	return snap, nil
}

// broadcast sends a fresh snapshot to the room. Caller holds the room lock.
func (d *Directory) broadcast(ctx context.Context, room string, names []string) (protocol.Directory, error) {
	snap, err := d.snapshot(ctx, room, names)
	if err != nil {
		return snap, err
	}
	ev, err := protocol.NewEvent(protocol.EventDirectory, snap)
	if err != nil {
		return snap, err
	}
	n := d.router.Broadcast(room, ev)
	d.metrics.directorySent.Add(float64(n))
	return snap, nil
}

// Deliver records env and routes it to the recipient's live connections in
// the same room. env must already carry server-assigned metadata.
func (d *Directory) Deliver(ctx context.Context, env protocol.Envelope) (int, error) {
	rs := d.lock(env.Room)
	defer rs.mu.Unlock()

	if err := d.load(ctx, env.Room, rs); err != nil {
		return 0, err
	}
	if !rs.members[env.From] || !rs.members[env.To] {
		return 0, ErrUnknownRecipient
	}

	if err := d.history.Record(ctx, env); err != nil {
		return 0, err
	}
	ev, err := protocol.NewEvent(protocol.EventEnvelope, env)
	if err != nil {
		return 0, err
	}
	n := d.router.Route(env, ev)
	d.metrics.deliveries.Add(float64(n))
	return n, nil
}

func memberSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
