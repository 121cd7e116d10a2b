// Package store persists identities, rooms and relayed envelopes.
//
// The relay core only sees the Store interface. Backends are chosen by
// database URL in Open.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sealroom.dev/go/sealroom/internal/protocol"
)

var (
	// ErrNotFound is returned when a user or room does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdentity is returned when registering a taken name.
	ErrDuplicateIdentity = errors.New("identity already exists")

	// ErrRoomExists is returned by CreateRoom for a code already in use.
	ErrRoomExists = errors.New("room already exists")
)

// User is a registered identity
type User struct {
	Name         string
	PasswordHash []byte
	PublicKey    string // base64
	CreatedAt    time.Time
}

// Room is a chat room and its members in join order
type Room struct {
	Code      string
	Members   []string
	CreatedAt time.Time
}

// HasMember reports whether name belongs to the room.
func (r *Room) HasMember(name string) bool {
	for _, m := range r.Members {
		if m == name {
			return true
		}
	}
	return false
}

// Store is the persistence collaborator used by the relay.
type Store interface {
	// CreateUser inserts a new user or fails with ErrDuplicateIdentity.
	CreateUser(ctx context.Context, u User) error

	// FindUser returns the named user or ErrNotFound.
	FindUser(ctx context.Context, name string) (*User, error)

	// UpdatePublicKey overwrites the user's public key.
	UpdatePublicKey(ctx context.Context, name, publicKey string) error

	// CreateRoom inserts an empty room or fails with ErrRoomExists.
	CreateRoom(ctx context.Context, code string) error

	// FindRoomByCode returns the room or ErrNotFound.
	FindRoomByCode(ctx context.Context, code string) (*Room, error)

	// JoinRoom creates the room if needed and adds name to it. added is
	// false when name was already a member.
	JoinRoom(ctx context.Context, code, name string) (room *Room, added bool, err error)

	// RoomsForUser lists the codes of rooms name belongs to.
	RoomsForUser(ctx context.Context, name string) ([]string, error)

	// AppendMessage records an envelope at the end of its room's history.
	AppendMessage(ctx context.Context, env protocol.Envelope) error

	// ListMessages returns a room's envelopes in arrival order.
	ListMessages(ctx context.Context, room string) ([]protocol.Envelope, error)

	Close() error
}

// Open selects a backend from a database URL:
//
//	memory://                     in-process, lost on exit
//	postgres://... postgresql://  PostgreSQL
//	bolt:///path/to/file.db       bbolt file
//	/path/to/file.db              bbolt file
func Open(ctx context.Context, url string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	switch {
	case url == "":
		return nil, errors.New("empty database URL")
	case strings.HasPrefix(url, "memory://"):
		logger.Info("using in-memory store")
		return NewMemory(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		logger.Info("using postgres store")
		return OpenPostgres(ctx, url, logger)
	default:
		path := strings.TrimPrefix(url, "bolt://")
		logger.Info("using bolt store", "path", path)
		return OpenBolt(path)
	}
}

func validName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	return nil
}
