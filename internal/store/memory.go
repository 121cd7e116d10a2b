package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"sealroom.dev/go/sealroom/internal/protocol"
)

// Memory is an in-process Store
type Memory struct {
	mu       sync.RWMutex
	users    map[string]User
	rooms    map[string]*Room
	messages map[string][]protocol.Envelope
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		rooms:    make(map[string]*Room),
		messages: make(map[string][]protocol.Envelope),
	}
}

func (m *Memory) CreateUser(ctx context.Context, u User) error {
	if err := validName(u.Name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.Name]; ok {
		return ErrDuplicateIdentity
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.PasswordHash = append([]byte(nil), u.PasswordHash...)
	m.users[u.Name] = u
	return nil
}

func (m *Memory) FindUser(ctx context.Context, name string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) UpdatePublicKey(ctx context.Context, name, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[name]
	if !ok {
		return ErrNotFound
	}
	u.PublicKey = publicKey
	m.users[name] = u
	return nil
}

func (m *Memory) CreateRoom(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[code]; ok {
		return ErrRoomExists
	}
	m.rooms[code] = &Room{Code: code, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) FindRoomByCode(ctx context.Context, code string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRoom(r), nil
}

func (m *Memory) JoinRoom(ctx context.Context, code, name string) (*Room, bool, error) {
	if err := validName(name); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		r = &Room{Code: code, CreatedAt: time.Now().UTC()}
		m.rooms[code] = r
	}
	if r.HasMember(name) {
		return copyRoom(r), false, nil
	}
	r.Members = append(r.Members, name)
	return copyRoom(r), true, nil
}

func (m *Memory) RoomsForUser(ctx context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var codes []string
	for code, r := range m.rooms {
		if r.HasMember(name) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

func (m *Memory) AppendMessage(ctx context.Context, env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[env.Room] = append(m.messages[env.Room], env)
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, room string) ([]protocol.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]protocol.Envelope(nil), m.messages[room]...), nil
}

func (m *Memory) Close() error {
	return nil
}

func copyRoom(r *Room) *Room {
	c := *r
	c.Members = append([]string(nil), r.Members...)
	return &c
}
