package relay

import (
	"errors"
	"sync"
	"testing"

	"sealroom.dev/go/sealroom/internal/protocol"
)

type fakePeer struct {
	name string
	fail bool

	mu     sync.Mutex
	events []*protocol.Event
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name}
}

func (p *fakePeer) Identity() string { return p.name }

func (p *fakePeer) Send(ev *protocol.Event) error {
	if p.fail {
		return errors.New("closed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePeer) received() []*protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Event(nil), p.events...)
}

func (p *fakePeer) types() []protocol.EventType {
	var out []protocol.EventType
	for _, ev := range p.received() {
		out = append(out, ev.Type)
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func TestRouter_RouteOnlyToJoinedRoom(t *testing.T) {
	r := NewRouter()
	bobPhone := newFakePeer("bob")
	bobLaptop := newFakePeer("bob")
	r.Register(bobPhone)
	r.Register(bobLaptop)
	r.SetRoom(bobPhone, "ROOM1")
	r.SetRoom(bobLaptop, "ROOM2")

	ev := &protocol.Event{Type: protocol.EventEnvelope, Payload: []byte(`{}`)}
	n := r.Route(protocol.Envelope{Room: "ROOM1", To: "bob"}, ev)
	if n != 1 {
		t.Fatalf("Route() reached %d connections, want 1", n)
	}
	if len(bobPhone.received()) != 1 || len(bobLaptop.received()) != 0 {
		t.Error("envelope should only reach the connection joined to its room")
	}
}

func TestRouter_RouteAllDevices(t *testing.T) {
	r := NewRouter()
	a, b := newFakePeer("bob"), newFakePeer("bob")
	for _, p := range []*fakePeer{a, b} {
		r.Register(p)
		r.SetRoom(p, "ROOM1")
	}

	ev := &protocol.Event{Type: protocol.EventEnvelope, Payload: []byte(`{}`)}
	if n := r.Route(protocol.Envelope{Room: "ROOM1", To: "bob"}, ev); n != 2 {
		t.Errorf("Route() reached %d connections, want 2", n)
	}
}

func TestRouter_OfflineRecipient(t *testing.T) {
	r := NewRouter()
	ev := &protocol.Event{Type: protocol.EventEnvelope, Payload: []byte(`{}`)}
	if n := r.Route(protocol.Envelope{Room: "ROOM1", To: "carol"}, ev); n != 0 {
		t.Errorf("Route() to offline recipient reached %d, want 0", n)
	}
}

func TestRouter_UnregisterExactConnection(t *testing.T) {
	r := NewRouter()
	a, b := newFakePeer("bob"), newFakePeer("bob")
	r.Register(a)
	r.Register(b)
	r.SetRoom(a, "ROOM1")
	r.SetRoom(b, "ROOM1")

	room, offline := r.Unregister(a)
	if room != "ROOM1" || offline {
		t.Fatalf("Unregister() = %q, %v, want ROOM1, false", room, offline)
	}
	if !r.OnlineIn("ROOM1")["bob"] {
		t.Error("bob should still be online through the second connection")
	}

	_, offline = r.Unregister(b)
	if !offline {
		t.Error("bob should be offline after the last connection left")
	}
	if r.Connected("bob") {
		t.Error("Connected() = true after every connection left")
	}
	if len(r.OnlineIn("ROOM1")) != 0 {
		t.Error("empty room should have no online members")
	}
}

func TestRouter_SetRoomMovesConnection(t *testing.T) {
	r := NewRouter()
	p := newFakePeer("alice")
	r.Register(p)

	if prev := r.SetRoom(p, "ROOM1"); prev != "" {
		t.Errorf("first SetRoom() = %q, want empty", prev)
	}
	if prev := r.SetRoom(p, "ROOM2"); prev != "ROOM1" {
		t.Errorf("SetRoom() = %q, want ROOM1", prev)
	}
	if r.OnlineIn("ROOM1")["alice"] {
		t.Error("alice should have left ROOM1")
	}
	if got := r.RoomsOf("alice"); len(got) != 1 || got[0] != "ROOM2" {
		t.Errorf("RoomsOf() = %v, want [ROOM2]", got)
	}

	// An empty room leaves without joining anything
	if prev := r.SetRoom(p, ""); prev != "ROOM2" {
		t.Errorf("SetRoom(\"\") = %q, want ROOM2", prev)
	}
	if got := r.RoomsOf("alice"); len(got) != 0 {
		t.Errorf("RoomsOf() = %v, want none", got)
	}
	if len(r.OnlineIn("")) != 0 {
		t.Error("no connection should be routed in the empty room")
	}
	if !r.Connected("alice") {
		t.Error("alice should still be connected")
	}
}

func TestRouter_BroadcastSkipsFailingPeers(t *testing.T) {
	r := NewRouter()
	ok, broken := newFakePeer("alice"), newFakePeer("bob")
	broken.fail = true
	for _, p := range []*fakePeer{ok, broken} {
		r.Register(p)
		r.SetRoom(p, "ROOM1")
	}

	ev := &protocol.Event{Type: protocol.EventDirectory, Payload: []byte(`{}`)}
	if n := r.Broadcast("ROOM1", ev); n != 1 {
		t.Errorf("Broadcast() = %d, want 1", n)
	}
}
