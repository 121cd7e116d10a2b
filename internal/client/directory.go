package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/protocol"
)

// ErrSenderInfoMissing is returned when no directory layer knows a peer.
var ErrSenderInfoMissing = errors.New("sender info missing")

// DirectoryCache resolves peer public keys. Lookups consult, in order:
//
//  1. the live roster received from the server during this session
//  2. the last snapshot persisted for the room by an earlier session
//
// and otherwise fail with ErrSenderInfoMissing. A key is never guessed.
type DirectoryCache struct {
	dir string // empty disables persistence

	mu        sync.RWMutex
	live      map[string]protocol.Directory
	persisted map[string]*protocol.Directory // nil entry: no file on disk
}

// NewDirectoryCache creates a cache persisting snapshots under dir.
func NewDirectoryCache(dir string) *DirectoryCache {
	return &DirectoryCache{
		dir:       dir,
		live:      make(map[string]protocol.Directory),
		persisted: make(map[string]*protocol.Directory),
	}
}

// Update replaces the live roster of d.Room and persists it as the room's
// last known snapshot.
func (c *DirectoryCache) Update(d protocol.Directory) error {
	c.mu.Lock()
	c.live[d.Room] = d
	c.persisted[d.Room] = &d
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	return c.save(d)
}

// Live returns the roster received during this session, if any.
func (c *DirectoryCache) Live(room string) (protocol.Directory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.live[room]
	return d, ok
}

// Snapshot returns the best known roster: live first, then persisted.
func (c *DirectoryCache) Snapshot(room string) (protocol.Directory, bool) {
	if d, ok := c.Live(room); ok {
		return d, true
	}
	if d := c.loadPersisted(room); d != nil {
		return *d, true
	}
	return protocol.Directory{}, false
}

// Resolve returns the public key of name in room.
func (c *DirectoryCache) Resolve(room, name string) (crypto.PublicKey, error) {
	if d, ok := c.Live(room); ok {
		if m, ok := find(d, name); ok {
			return crypto.DecodePublicKey(m.PublicKey)
		}
	}
	if d := c.loadPersisted(room); d != nil {
		if m, ok := find(*d, name); ok {
			return crypto.DecodePublicKey(m.PublicKey)
		}
	}
	return crypto.PublicKey{}, fmt.Errorf("%w: %s in %s", ErrSenderInfoMissing, name, room)
}

// Forget drops every cached roster and removes the persisted snapshots.
func (c *DirectoryCache) Forget() error {
	c.mu.Lock()
	c.live = make(map[string]protocol.Directory)
	c.persisted = make(map[string]*protocol.Directory)
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("remove directory cache: %w", err)
	}
	return nil
}

func find(d protocol.Directory, name string) (protocol.Member, bool) {
	for _, m := range d.Members {
		if m.Name == name {
			return m, true
		}
	}
	return protocol.Member{}, false
}

func (c *DirectoryCache) path(room string) string {
	return filepath.Join(c.dir, room+".json")
}

func (c *DirectoryCache) loadPersisted(room string) *protocol.Directory {
	c.mu.RLock()
	d, loaded := c.persisted[room]
	c.mu.RUnlock()
	if loaded || c.dir == "" {
		return d
	}

	// Room codes are validated before they reach the cache, so they are
	// safe file names.
	if _, err := protocol.NormalizeRoomCode(room); err != nil {
		return nil
	}

	data, err := os.ReadFile(c.path(room))
	if err == nil {
		var snap protocol.Directory
		if json.Unmarshal(data, &snap) == nil && snap.Room == room {
			d = &snap
		}
	}

	c.mu.Lock()
	if _, raced := c.persisted[room]; !raced {
		c.persisted[room] = d
	} else {
		d = c.persisted[room]
	}
	c.mu.Unlock()
	return d
}

func (c *DirectoryCache) save(d protocol.Directory) error {
	if _, err := protocol.NormalizeRoomCode(d.Room); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("create directory cache: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path(d.Room) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.path(d.Room)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
