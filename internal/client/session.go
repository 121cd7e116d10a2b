// Package client is the sealroom chat client: it joins rooms over a relay
// connection, encrypts each outgoing message once per member and decrypts
// what arrives, off the goroutine that drains the connection.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/protocol"
)

var (
	// ErrNotJoined is returned when sending before a room was joined.
	ErrNotJoined = errors.New("not joined to a room")

	// ErrNoRoster is returned when sending before any roster is known.
	ErrNoRoster = errors.New("room roster not received yet")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

const (
	updateQueue = 256
	workQueue   = 256

	// maxPending bounds envelopes held back waiting for a sender's key
	maxPending = 512
)

// Conn is the event transport a session runs over. *Transport implements
// it for websockets.
type Conn interface {
	Send(ev *protocol.Event) error
	Events() <-chan *protocol.Event
	Close() error
}

// Session is one identity's connection to the relay.
type Session struct {
	name   string
	keys   *crypto.KeyStore
	dir    *DirectoryCache
	conn   Conn
	dec    *decoder
	logger *slog.Logger

	mu   sync.Mutex
	room string

	work    chan work
	updates chan Update
	done    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// work is one item for the decrypt worker. retry asks it to try held-back
// envelopes again after a roster update.
type work struct {
	envelope *protocol.Envelope
	history  []protocol.Envelope
	room     string
	retry    bool
}

// NewSession starts a session for identity name over conn. Updates must be
// drained by the caller.
func NewSession(name string, keys *crypto.KeyStore, dir *DirectoryCache, conn Conn, logger *slog.Logger) *Session {
	s := &Session{
		name:    name,
		keys:    keys,
		dir:     dir,
		conn:    conn,
		dec:     &decoder{self: name, keys: keys, dir: dir},
		logger:  logger.With("identity", name),
		work:    make(chan work, workQueue),
		updates: make(chan Update, updateQueue),
		done:    make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.decryptLoop()
	return s
}

// Name returns the identity of the session.
func (s *Session) Name() string {
	return s.name
}

// Room returns the joined room, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Updates delivers messages, notices and rosters in the order they were
// processed. It is closed after the connection ends.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Join enters room. The relay answers with a roster and then the history.
func (s *Session) Join(room string) error {
	code, err := protocol.NormalizeRoomCode(room)
	if err != nil {
		return err
	}
	ev, err := protocol.NewEvent(protocol.EventJoin, protocol.Join{Room: code})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.room = code
	s.mu.Unlock()
	return s.conn.Send(ev)
}

// Members returns the best known roster of the joined room.
func (s *Session) Members() []protocol.Member {
	d, _ := s.dir.Snapshot(s.Room())
	return d.Members
}

// SendText encrypts text for every other member of the room.
func (s *Session) SendText(text string) (Message, error) {
	msg, err := s.send(protocol.KindText, []byte(text))
	msg.Text = text
	return msg, err
}

// SendImage validates data as an image and encrypts it for every other
// member. Oversized images fail with protocol.ErrPayloadTooLarge before
// anything is encrypted or sent.
func (s *Session) SendImage(data []byte) (Message, error) {
	img, err := protocol.NewImage(data)
	if err != nil {
		return Message{}, err
	}
	plaintext, err := img.Marshal()
	if err != nil {
		return Message{}, err
	}

	msg, err := s.send(protocol.KindImage, plaintext)
	msg.Image = &img
	return msg, err
}

// send fans plaintext out as one envelope per member, in roster order, and
// returns the local echo. Members whose key is invalid are skipped.
func (s *Session) send(kind protocol.Kind, plaintext []byte) (Message, error) {
	select {
	case <-s.done:
		return Message{}, ErrClosed
	default:
	}

	room := s.Room()
	if room == "" {
		return Message{}, ErrNotJoined
	}
	d, ok := s.dir.Snapshot(room)
	if !ok {
		return Message{}, ErrNoRoster
	}

	echo := Message{
		Room:      room,
		From:      s.name,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Self:      true,
	}

	for _, m := range d.Members {
		if m.Name == s.name {
			continue
		}

		message, err := s.seal(m, plaintext)
		if errors.Is(err, crypto.ErrInvalidKey) {
			s.logger.Warn("skipping member with invalid key", "room", room, "member", m.Name)
			echo.Unreachable = append(echo.Unreachable, m.Name)
			continue
		}
		if err != nil {
			return echo, err
		}

		ev, err := protocol.NewEvent(protocol.EventEnvelope, protocol.Envelope{
			To:      m.Name,
			Kind:    kind,
			Message: message,
		})
		if err != nil {
			return echo, err
		}
		if err := s.conn.Send(ev); err != nil {
			return echo, err
		}
	}
	return echo, nil
}

func (s *Session) seal(m protocol.Member, plaintext []byte) (string, error) {
	pk, err := crypto.DecodePublicKey(m.PublicKey)
	if err != nil {
		return "", err
	}
	secret, err := s.keys.SharedSecret(pk)
	if err != nil {
		return "", err
	}
	return crypto.Seal(plaintext, secret)
}

// readLoop drains the connection. Rosters are applied here so that the
// decrypt worker always resolves keys against the newest one.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.work)

	// replay collects history chunks until the final one arrives
	var replay []protocol.Envelope

	for {
		var (
			ev *protocol.Event
			ok bool
		)
		select {
		case ev, ok = <-s.conn.Events():
			if !ok {
				s.emit(Notice{Kind: NoticeDisconnected, Room: s.Room()})
				return
			}
		case <-s.done:
			return
		}

		var w work
		switch ev.Type {
		case protocol.EventDirectory:
			d, err := ev.ParseDirectory()
			if err != nil {
				s.logger.Warn("invalid directory", "error", err)
				continue
			}
			if err := s.dir.Update(d); err != nil {
				s.logger.Warn("persist directory snapshot", "room", d.Room, "error", err)
			}
			s.emit(Roster{d})
			w = work{retry: true}

		case protocol.EventHistory:
			h, err := ev.ParseHistory()
			if err != nil {
				s.logger.Warn("invalid history", "error", err)
				continue
			}
			replay = append(replay, h.Envelopes...)
			if !h.Final {
				continue
			}
			w = work{history: replay, room: s.Room()}
			replay = nil

		case protocol.EventEnvelope:
			env, err := ev.ParseEnvelope()
			if err != nil {
				s.logger.Warn("invalid envelope", "error", err)
				continue
			}
			w = work{envelope: &env}

		case protocol.EventError:
			e, err := ev.ParseError()
			if err != nil {
				continue
			}
			n := Notice{Kind: NoticeRelayError, Room: s.Room(), Err: e}
			if e.To != "" {
				n.Kind = NoticeUndelivered
				n.Peer = e.To
			}
			s.emit(n)
			continue

		default:
			continue
		}

		select {
		case s.work <- w:
		case <-s.done:
			return
		}
	}
}

// decryptLoop is the only goroutine that decrypts.
func (s *Session) decryptLoop() {
	defer s.wg.Done()
	defer close(s.updates)

	var pending []protocol.Envelope
	hold := func(envs ...protocol.Envelope) {
		pending = append(pending, envs...)
		if over := len(pending) - maxPending; over > 0 {
			pending = pending[over:]
		}
	}

	for w := range s.work {
		switch {
		case w.retry:
			if len(pending) == 0 {
				continue
			}
			held := pending
			pending = nil
			for _, env := range held {
				msg, _, err := s.dec.decode(env)
				if errors.Is(err, ErrSenderInfoMissing) {
					hold(env)
					continue
				}
				if err != nil {
					s.emit(noticeFor(env, env.Counterpart(s.name), err))
					continue
				}
				s.emit(msg)
			}

		case w.envelope != nil:
			env := *w.envelope
			msg, _, err := s.dec.decode(env)
			if err != nil {
				n := noticeFor(env, env.Counterpart(s.name), err)
				if n.Kind == NoticeSenderMissing {
					hold(env)
				}
				s.emit(n)
				continue
			}
			s.emit(msg)

		default:
			msgs, notices, missing := s.dec.decodeHistory(w.history)
			hold(missing...)
			for _, n := range notices {
				s.emit(n)
			}
			s.emit(History{Room: w.room, Messages: msgs})
		}
	}
}

func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	case <-s.done:
	}
}

// Close ends the session: the connection is closed and every private key
// and cached shared secret is purged from memory.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
		s.keys.Purge()
	})
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}
