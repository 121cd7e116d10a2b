// Package audit records security-relevant relay events (accounts, key
// rotation, rooms, refused connections) as JSON lines.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Action names an audited event. The part before the dot is its category.
type Action string

const (
	ActionRegistered  Action = "account.registered"
	ActionLogin       Action = "account.login"
	ActionLoginFailed Action = "account.login_failed"
	ActionKeyRotated  Action = "account.key_rotated"
	ActionRoomCreated Action = "room.created"
	ActionRoomJoined  Action = "room.joined"
	ActionConnRefused Action = "conn.refused"
)

// Category returns the prefix of the action, e.g. "account".
func (a Action) Category() string {
	c, _, _ := strings.Cut(string(a), ".")
	return c
}

// Entry is one line of the audit log
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Identity  string    `json:"identity,omitempty"`
	Room      string    `json:"room,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// defaultRecent is how many entries are kept in memory for queries
const defaultRecent = 1000

// Log appends entries to a file and keeps the most recent ones in memory.
// A nil *Log discards everything, so callers need not check.
type Log struct {
	path string

	mu     sync.Mutex
	file   *os.File
	recent *RingBuffer
}

// Open opens or creates the audit log at path and loads its tail.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Log{path: path, file: f, recent: NewRingBuffer(defaultRecent)}
	if err := l.scan(func(e Entry) bool {
		l.recent.Add(e)
		return true
	}); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record appends an entry, stamping it with the current time if unset.
func (l *Log) Record(e Entry) error {
	if l == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.recent.Add(e)
	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}

// Recent returns in-memory entries matching q, newest first.
func (l *Log) Recent(q Query) []Entry {
	if l == nil {
		return nil
	}
	return l.recent.Query(q)
}

// Search reads the whole file and returns matches in file order.
// Malformed lines are skipped.
func (l *Log) Search(q Query) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}

	var out []Entry
	err := l.scan(func(e Entry) bool {
		if q.matches(e) {
			out = append(out, e)
		}
		return true
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, err
}

func (l *Log) scan(fn func(Entry) bool) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !fn(e) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Later records return an error.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
