package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRingBufferOverflow(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(Entry{Action: ActionLogin, Identity: string(rune('a' + i))})
	}

	if rb.Count() != 3 {
		t.Errorf("expected count 3 after overflow, got %d", rb.Count())
	}

	got := rb.Query(Query{})
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	// Newest first: e, d, c
	for i, want := range []string{"e", "d", "c"} {
		if got[i].Identity != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, got[i].Identity)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	rb := NewRingBuffer(10)
	now := time.Now()

	rb.Add(Entry{Timestamp: now.Add(-time.Hour), Action: ActionRegistered, Identity: "alice"})
	rb.Add(Entry{Timestamp: now, Action: ActionLoginFailed, Identity: "alice", IP: "10.0.0.1"})
	rb.Add(Entry{Timestamp: now, Action: ActionRoomCreated, Identity: "bob", Room: "ABC234"})
	rb.Add(Entry{Timestamp: now, Action: ActionRoomJoined, Identity: "alice", Room: "ABC234"})

	tests := []struct {
		name  string
		query Query
		want  int
	}{
		{"all", Query{}, 4},
		{"action", Query{Action: ActionLoginFailed}, 1},
		{"category", Query{Category: "room"}, 2},
		{"identity ignores case", Query{Identity: "ALICE"}, 3},
		{"room", Query{Room: "abc234"}, 2},
		{"since", Query{Since: now.Add(-time.Minute)}, 3},
		{"limit", Query{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rb.Query(tt.query); len(got) != tt.want {
				t.Errorf("expected %d entries, got %d", tt.want, len(got))
			}
		})
	}
}

func TestActionCategory(t *testing.T) {
	if c := ActionKeyRotated.Category(); c != "account" {
		t.Errorf("expected account, got %q", c)
	}
	if c := ActionConnRefused.Category(); c != "conn" {
		t.Errorf("expected conn, got %q", c)
	}
}

func TestLogPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := l.Record(Entry{Action: ActionRegistered, Identity: "alice"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := l.Record(Entry{Action: ActionRoomCreated, Identity: "alice", Room: "XYZ789"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Record(Entry{Action: ActionLogin}); err == nil {
		t.Error("expected error recording after Close")
	}

	// A malformed line must not hide the entries around it
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json\n")
	f.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	recent := l2.Recent(Query{})
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries loaded from file, got %d", len(recent))
	}
	if recent[0].Action != ActionRoomCreated {
		t.Errorf("expected newest first, got %s", recent[0].Action)
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}

	found, err := l2.Search(Query{Room: "XYZ789"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(found) != 1 || found[0].Identity != "alice" {
		t.Errorf("unexpected search result: %+v", found)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Errorf("expected 3 lines on disk, got %d", lines)
	}
}

func TestSearchLimitKeepsNewest(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for _, name := range []string{"a", "b", "c", "d"} {
		if err := l.Record(Entry{Action: ActionLogin, Identity: name}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Search(Query{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Identity != "c" || got[1].Identity != "d" {
		t.Errorf("expected [c d], got %+v", got)
	}
}

func TestNilLog(t *testing.T) {
	var l *Log
	if err := l.Record(Entry{Action: ActionLogin}); err != nil {
		t.Errorf("nil log Record: %v", err)
	}
	if got := l.Recent(Query{}); got != nil {
		t.Errorf("nil log Recent: %v", got)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil log Close: %v", err)
	}
}
