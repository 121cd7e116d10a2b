package client

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sealroom.dev/go/sealroom/internal/protocol"
)

type fakeConn struct {
	events    chan *protocol.Event
	closeOnce sync.Once

	mu   sync.Mutex
	sent []*protocol.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan *protocol.Event, 16)}
}

func (c *fakeConn) Send(ev *protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Events() <-chan *protocol.Event { return c.events }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) sentOfType(t protocol.EventType) []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Event
	for _, ev := range c.sent {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) push(t *testing.T, typ protocol.EventType, payload interface{}) {
	t.Helper()
	ev, err := protocol.NewEvent(typ, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	c.events <- ev
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, self party) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := NewSession(self.name, self.keys, NewDirectoryCache(t.TempDir()), conn, discardLogger())
	t.Cleanup(func() { s.Close() })
	return s, conn
}

// next returns the next update that is not a roster.
func next(t *testing.T, s *Session) Update {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-s.Updates():
			if !ok {
				t.Fatal("updates closed")
			}
			if _, roster := u.(Roster); roster {
				continue
			}
			return u
		case <-timeout:
			t.Fatal("timed out waiting for update")
			return nil
		}
	}
}

func TestSession_FanOutToEveryOtherMember(t *testing.T) {
	a, b, c := newParty(t, "alice"), newParty(t, "bob"), newParty(t, "carol")
	s, conn := newTestSession(t, a)

	if err := s.Join("abc123"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if s.Room() != "ABC123" {
		t.Errorf("room = %q, want ABC123", s.Room())
	}

	if _, err := s.SendText("too soon"); !errors.Is(err, ErrNoRoster) {
		t.Fatalf("send before roster: got %v, want ErrNoRoster", err)
	}

	conn.push(t, protocol.EventDirectory, rosterOf(a, b, c))
	conn.push(t, protocol.EventHistory, []protocol.Envelope{})
	if h, ok := next(t, s).(History); !ok || len(h.Messages) != 0 {
		t.Fatalf("expected empty history, got %#v", h)
	}

	echo, err := s.SendText("hi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !echo.Self || echo.Text != "hi" || echo.Room != "ABC123" {
		t.Errorf("echo = %+v", echo)
	}

	envs := conn.sentOfType(protocol.EventEnvelope)
	if len(envs) != 2 {
		t.Fatalf("sent %d envelopes, want one each for bob and carol", len(envs))
	}
	for i, to := range []party{b, c} {
		env, err := envs[i].ParseEnvelope()
		if err != nil {
			t.Fatalf("ParseEnvelope: %v", err)
		}
		if env.To != to.name {
			t.Errorf("envelope %d to %s, want %s", i, env.To, to.name)
		}
		env.From, env.Room = a.name, "ABC123"
		msg, _, err := newDecoder(to, rosterOf(a, b, c)).decode(env)
		if err != nil || msg.Text != "hi" {
			t.Errorf("%s decoded %q, %v", to.name, msg.Text, err)
		}
	}
}

func TestSession_OversizedImageNeverSent(t *testing.T) {
	a, b := newParty(t, "alice"), newParty(t, "bob")
	s, conn := newTestSession(t, a)
	s.Join("ABC123")
	conn.push(t, protocol.EventDirectory, rosterOf(a, b))
	conn.push(t, protocol.EventHistory, []protocol.Envelope{})
	next(t, s)

	big := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 600*1024)...)
	_, err := s.SendImage(big)
	if !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
	if n := len(conn.sentOfType(protocol.EventEnvelope)); n != 0 {
		t.Errorf("%d envelopes sent for a rejected image", n)
	}
}

func TestSession_ImageRoundTrip(t *testing.T) {
	a, b := newParty(t, "alice"), newParty(t, "bob")
	s, conn := newTestSession(t, a)
	s.Join("ABC123")
	conn.push(t, protocol.EventDirectory, rosterOf(a, b))
	conn.push(t, protocol.EventHistory, []protocol.Envelope{})
	next(t, s)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 1024)...)
	echo, err := s.SendImage(png)
	if err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	if echo.Image == nil || echo.Image.MIME != "image/png" {
		t.Fatalf("echo image = %+v", echo.Image)
	}

	env, _ := conn.sentOfType(protocol.EventEnvelope)[0].ParseEnvelope()
	env.From, env.Room = a.name, "ABC123"
	msg, _, err := newDecoder(b, rosterOf(a, b)).decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Image == nil || !bytes.Equal(msg.Image.Data, png) {
		t.Error("decoded image differs from the original")
	}
}

func TestSession_UnknownSenderIsANotice(t *testing.T) {
	c, d := newParty(t, "carol"), newParty(t, "dave")
	s, conn := newTestSession(t, c)
	s.Join("ABC123")
	conn.push(t, protocol.EventDirectory, rosterOf(c))

	conn.push(t, protocol.EventEnvelope, sealFor(t, d, c, protocol.KindText, "who am i", 0))

	n, ok := next(t, s).(Notice)
	if !ok {
		t.Fatal("expected a notice")
	}
	if n.Kind != NoticeSenderMissing || n.Peer != "dave" {
		t.Errorf("notice = %v", n)
	}
}

func TestSession_HeldEnvelopeDecodedAfterRoster(t *testing.T) {
	c, d := newParty(t, "carol"), newParty(t, "dave")
	s, conn := newTestSession(t, c)
	s.Join("ABC123")
	conn.push(t, protocol.EventDirectory, rosterOf(c))
	conn.push(t, protocol.EventEnvelope, sealFor(t, d, c, protocol.KindText, "late key", 0))

	if _, ok := next(t, s).(Notice); !ok {
		t.Fatal("expected a sender missing notice first")
	}

	conn.push(t, protocol.EventDirectory, rosterOf(c, d))
	msg, ok := next(t, s).(Message)
	if !ok {
		t.Fatal("expected the held message after the roster update")
	}
	if msg.Text != "late key" || msg.From != "dave" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSession_RelayErrorsAreNotices(t *testing.T) {
	a := newParty(t, "alice")
	s, conn := newTestSession(t, a)

	conn.push(t, protocol.EventError, protocol.Error{Code: protocol.CodeUnknownRecipient, Message: "mallory"})

	n, ok := next(t, s).(Notice)
	if !ok || n.Kind != NoticeRelayError {
		t.Fatalf("got %#v, want relay error notice", n)
	}
	var e protocol.Error
	if !errors.As(n.Err, &e) || e.Code != protocol.CodeUnknownRecipient {
		t.Errorf("notice error = %v", n.Err)
	}
}

func TestSession_RejectedRecipientIsReported(t *testing.T) {
	a := newParty(t, "alice")
	s, conn := newTestSession(t, a)

	conn.push(t, protocol.EventError, protocol.Error{Code: protocol.CodeRateLimited, Message: "rate limit exceeded", To: "carol"})

	n, ok := next(t, s).(Notice)
	if !ok || n.Kind != NoticeUndelivered || n.Peer != "carol" {
		t.Fatalf("got %#v, want undelivered notice for carol", n)
	}
	var e protocol.Error
	if !errors.As(n.Err, &e) || e.Code != protocol.CodeRateLimited {
		t.Errorf("notice error = %v", n.Err)
	}
}

func TestSession_ChunkedHistoryIsOneReplay(t *testing.T) {
	a, b := newParty(t, "alice"), newParty(t, "bob")
	s, conn := newTestSession(t, a)
	s.Join("ABC123")
	conn.push(t, protocol.EventDirectory, rosterOf(a, b))

	var history []protocol.Envelope
	for i, text := range []string{"one", "two", "three", "four", "five"} {
		history = append(history, sealFor(t, b, a, protocol.KindText, text, i))
	}
	for _, chunk := range protocol.ChunkHistory(history, 1) {
		conn.push(t, protocol.EventHistory, chunk)
	}

	h, ok := next(t, s).(History)
	if !ok {
		t.Fatalf("expected a history update, got %#v", h)
	}
	if len(h.Messages) != len(history) {
		t.Fatalf("history has %d messages, want %d", len(h.Messages), len(history))
	}
	for i, want := range []string{"one", "two", "three", "four", "five"} {
		if h.Messages[i].Text != want {
			t.Errorf("message %d = %q, want %q", i, h.Messages[i].Text, want)
		}
	}
}

func TestSession_InvalidMemberKeySkipped(t *testing.T) {
	a, b := newParty(t, "alice"), newParty(t, "bob")
	s, conn := newTestSession(t, a)
	s.Join("ABC123")

	roster := rosterOf(a, b)
	roster.Members = append(roster.Members, protocol.Member{Name: "eve", PublicKey: "bogus"})
	conn.push(t, protocol.EventDirectory, roster)
	conn.push(t, protocol.EventHistory, []protocol.Envelope{})
	next(t, s)

	echo, err := s.SendText("hi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(echo.Unreachable) != 1 || echo.Unreachable[0] != "eve" {
		t.Errorf("unreachable = %v, want [eve]", echo.Unreachable)
	}
	if n := len(conn.sentOfType(protocol.EventEnvelope)); n != 1 {
		t.Errorf("sent %d envelopes, want 1", n)
	}
}

func TestSession_ClosePurgesKeys(t *testing.T) {
	a := newParty(t, "alice")
	s, _ := newTestSession(t, a)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.keys.PublicKey(); err == nil {
		t.Error("key store should be purged after Close")
	}
	if _, err := s.SendText("after"); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}

	// Updates is closed once the session ends
	for range s.Updates() {
	}
}
