package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/protocol"
)

type fakeSession struct {
	updates chan client.Update
	members []protocol.Member
	texts   []string
	images  [][]byte
	sendErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		updates: make(chan client.Update, 8),
		members: []protocol.Member{
			{Name: "alice", Online: true},
			{Name: "bob"},
		},
	}
}

func (f *fakeSession) Name() string                  { return "alice" }
func (f *fakeSession) Room() string                  { return "ABC123" }
func (f *fakeSession) Updates() <-chan client.Update { return f.updates }
func (f *fakeSession) Members() []protocol.Member    { return f.members }

func (f *fakeSession) SendText(text string) (client.Message, error) {
	if f.sendErr != nil {
		return client.Message{}, f.sendErr
	}
	f.texts = append(f.texts, text)
	return client.Message{From: "alice", Kind: protocol.KindText, Text: text, Self: true, Timestamp: time.Now()}, nil
}

func (f *fakeSession) SendImage(data []byte) (client.Message, error) {
	img, err := protocol.NewImage(data)
	if err != nil {
		return client.Message{}, err
	}
	f.images = append(f.images, data)
	return client.Message{From: "alice", Kind: protocol.KindImage, Image: &img, Self: true, Timestamp: time.Now()}, nil
}

func sized(t *testing.T, s ChatSession) ChatModel {
	t.Helper()
	m := NewChatModel(s)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(ChatModel)
}

func step(t *testing.T, m ChatModel, msg tea.Msg) (ChatModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(ChatModel), cmd
}

func typeLine(t *testing.T, m ChatModel, line string) (ChatModel, tea.Cmd) {
	t.Helper()
	m.input.SetValue(line)
	return step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

func TestChatModelRendersUpdates(t *testing.T) {
	s := newFakeSession()
	m := sized(t, s)

	m, cmd := step(t, m, updateMsg{update: client.History{Room: "ABC123", Messages: []client.Message{
		{From: "bob", Text: "earlier", Timestamp: time.Now()},
	}}})
	if cmd == nil {
		t.Fatal("expected the model to keep waiting for updates")
	}
	m, _ = step(t, m, updateMsg{update: client.Message{From: "bob", Text: "hello alice", Timestamp: time.Now()}})
	m, _ = step(t, m, updateMsg{update: client.Notice{Kind: client.NoticeSenderMissing, Peer: "mallory", Err: client.ErrSenderInfoMissing}})

	view := m.View()
	for _, want := range []string{"Room ABC123", "earlier", "hello alice", "sender info missing", "mallory", "alice (you)", "bob"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestChatModelRosterUpdate(t *testing.T) {
	s := newFakeSession()
	m := sized(t, s)

	m, _ = step(t, m, updateMsg{update: client.Roster{Directory: protocol.Directory{
		Room: "ABC123",
		Members: []protocol.Member{
			{Name: "alice", Online: true},
			{Name: "bob", Online: true},
			{Name: "carol"},
		},
	}}})

	if len(m.members) != 3 {
		t.Fatalf("got %d members, want 3", len(m.members))
	}
	if !strings.Contains(m.View(), "carol") {
		t.Error("view should list the new member")
	}
}

func TestChatModelSendText(t *testing.T) {
	s := newFakeSession()
	m := sized(t, s)

	m, cmd := typeLine(t, m, "hi bob")
	if cmd == nil {
		t.Fatal("expected a send command")
	}
	if m.input.Value() != "" {
		t.Error("input should be cleared after enter")
	}

	m, _ = step(t, m, cmd())
	if len(s.texts) != 1 || s.texts[0] != "hi bob" {
		t.Fatalf("got %v, want [hi bob]", s.texts)
	}
	if !strings.Contains(m.View(), "hi bob") {
		t.Error("local echo should be rendered")
	}
}

func TestChatModelImageTooLarge(t *testing.T) {
	s := newFakeSession()
	m := sized(t, s)
	m.readFile = func(string) ([]byte, error) {
		return make([]byte, protocol.MaxImageBytes+1), nil
	}

	m, cmd := typeLine(t, m, "/img big.png")
	msg := cmd()
	if e, ok := msg.(sendErrMsg); !ok || !errors.Is(e.err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("got %#v, want payload too large", msg)
	}
	m, _ = step(t, m, msg)

	if len(s.images) != 0 {
		t.Error("oversized image must not be sent")
	}
	if !strings.Contains(m.View(), "image too large") {
		t.Error("view should explain the rejected image")
	}
}

func TestChatModelQuit(t *testing.T) {
	m := sized(t, newFakeSession())

	_, cmd := typeLine(t, m, "/quit")
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("/quit should quit the program")
	}

	_, cmd = step(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c should quit the program")
	}
}

func TestChatModelDisconnected(t *testing.T) {
	s := newFakeSession()
	close(s.updates)
	m := sized(t, s)

	msg := m.waitForUpdate()
	if _, ok := msg.(updatesClosedMsg); !ok {
		t.Fatalf("got %#v, want updatesClosedMsg", msg)
	}
	m, _ = step(t, m, msg)

	m, cmd := typeLine(t, m, "anyone there?")
	if cmd != nil {
		t.Error("nothing should be sent after the relay closed")
	}
	if len(s.texts) != 0 {
		t.Errorf("got %v, want nothing sent", s.texts)
	}
	view := m.View()
	if !strings.Contains(view, "connection to relay closed") || !strings.Contains(view, "not connected") {
		t.Errorf("view should report the disconnect:\n%s", view)
	}
}

func TestSendErrorText(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{protocol.ErrPayloadTooLarge, "image too large"},
		{protocol.ErrInvalidImage, "not a supported image"},
		{client.ErrNoRoster, "roster not received"},
		{errors.New("boom"), "send failed: boom"},
	}

	for _, tt := range tests {
		if got := sendErrorText(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("sendErrorText(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
	}
}
