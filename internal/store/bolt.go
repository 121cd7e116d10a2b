package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"sealroom.dev/go/sealroom/internal/protocol"
)

const (
	metadataBucket  = "metadata"
	usersBucket     = "users"
	roomsBucket     = "rooms"
	userRoomsBucket = "user_rooms" // user -> nested bucket of room codes
	messagesBucket  = "messages"   // room -> nested bucket of seq -> envelope

	versionKey  = "version"
	boltVersion = 0
)

// Bolt is a Store backed by a single bbolt file
type Bolt struct {
	db *bolt.DB
}

type userRecord struct {
	PasswordHash []byte    `json:"password_hash"`
	PublicKey    string    `json:"public_key"`
	CreatedAt    time.Time `json:"created_at"`
}

type roomRecord struct {
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenBolt creates or loads the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{usersBucket, roomsBucket, userRoomsBucket, messagesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if v := meta.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != boltVersion {
				return fmt.Errorf("incompatible database version %v", v)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{boltVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) CreateUser(ctx context.Context, u User) error {
	if err := validName(u.Name); err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(usersBucket))
		if bkt.Get([]byte(u.Name)) != nil {
			return ErrDuplicateIdentity
		}
		data, err := json.Marshal(userRecord{
			PasswordHash: u.PasswordHash,
			PublicKey:    u.PublicKey,
			CreatedAt:    u.CreatedAt,
		})
		if err != nil {
			return err
		}
		return bkt.Put([]byte(u.Name), data)
	})
}

func (b *Bolt) FindUser(ctx context.Context, name string) (*User, error) {
	var u *User
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(usersBucket)).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		var rec userRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode user %s: %w", name, err)
		}
		u = &User{
			Name:         name,
			PasswordHash: rec.PasswordHash,
			PublicKey:    rec.PublicKey,
			CreatedAt:    rec.CreatedAt,
		}
		return nil
	})
	return u, err
}

func (b *Bolt) UpdatePublicKey(ctx context.Context, name, publicKey string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(usersBucket))
		data := bkt.Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		var rec userRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode user %s: %w", name, err)
		}
		rec.PublicKey = publicKey
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(name), updated)
	})
}

func (b *Bolt) CreateRoom(ctx context.Context, code string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(roomsBucket))
		if bkt.Get([]byte(code)) != nil {
			return ErrRoomExists
		}
		return putRoom(bkt, code, roomRecord{CreatedAt: time.Now().UTC()})
	})
}

func (b *Bolt) FindRoomByCode(ctx context.Context, code string) (*Room, error) {
	var r *Room
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, ok, err := getRoom(tx.Bucket([]byte(roomsBucket)), code)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		r = &Room{Code: code, Members: rec.Members, CreatedAt: rec.CreatedAt}
		return nil
	})
	return r, err
}

func (b *Bolt) JoinRoom(ctx context.Context, code, name string) (*Room, bool, error) {
	if err := validName(name); err != nil {
		return nil, false, err
	}

	var (
		r     *Room
		added bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(roomsBucket))
		rec, ok, err := getRoom(bkt, code)
		if err != nil {
			return err
		}
		if !ok {
			rec = roomRecord{CreatedAt: time.Now().UTC()}
		}

		r = &Room{Code: code, Members: rec.Members, CreatedAt: rec.CreatedAt}
		if r.HasMember(name) {
			return nil
		}

		rec.Members = append(rec.Members, name)
		if err := putRoom(bkt, code, rec); err != nil {
			return err
		}
		ur, err := tx.Bucket([]byte(userRoomsBucket)).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		if err := ur.Put([]byte(code), []byte{}); err != nil {
			return err
		}

		r.Members = rec.Members
		added = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return r, added, nil
}

func (b *Bolt) RoomsForUser(ctx context.Context, name string) ([]string, error) {
	var codes []string
	err := b.db.View(func(tx *bolt.Tx) error {
		ur := tx.Bucket([]byte(userRoomsBucket)).Bucket([]byte(name))
		if ur == nil {
			return nil
		}
		return ur.ForEach(func(k, _ []byte) error {
			codes = append(codes, string(k))
			return nil
		})
	})
	sort.Strings(codes)
	return codes, err
}

func (b *Bolt) AppendMessage(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(messagesBucket)).CreateBucketIfNotExists([]byte(env.Room))
		if err != nil {
			return err
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], data)
	})
}

func (b *Bolt) ListMessages(ctx context.Context, room string) ([]protocol.Envelope, error) {
	var out []protocol.Envelope
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(messagesBucket)).Bucket([]byte(room))
		if bkt == nil {
			return nil
		}
		// Big-endian sequence keys iterate in arrival order
		return bkt.ForEach(func(_, v []byte) error {
			var env protocol.Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("decode envelope: %w", err)
			}
			out = append(out, env)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) Close() error {
	b.db.Sync()
	return b.db.Close()
}

func getRoom(bkt *bolt.Bucket, code string) (roomRecord, bool, error) {
	var rec roomRecord
	data := bkt.Get([]byte(code))
	if data == nil {
		return rec, false, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("decode room %s: %w", code, err)
	}
	return rec, true, nil
}

func putRoom(bkt *bolt.Bucket, code string, rec roomRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(code), data)
}
