package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent is returned for events that fail schema validation.
var ErrInvalidEvent = errors.New("invalid event")

// EventType identifies a wire event
type EventType string

const (
	EventJoin      EventType = "join"      // client -> server
	EventDirectory EventType = "directory" // server -> room
	EventHistory   EventType = "history"   // server -> joiner
	EventEnvelope  EventType = "envelope"  // both directions
	EventError     EventType = "error"     // server -> client, non-fatal
)

// Kind is the payload type carried alongside an envelope
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Valid reports whether k is a known payload kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindImage
}

// minMessageBytes is a 24-byte nonce plus a 16-byte tag
const minMessageBytes = 24 + 16

// Event is the frame exchanged over the websocket
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an event.
func NewEvent(t EventType, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: t, Payload: data}, nil
}

// DecodeEvent parses a frame and checks the event type is known.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch ev.Type {
	case EventJoin, EventDirectory, EventHistory, EventEnvelope, EventError:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return nil, fmt.Errorf("%w: %s has no payload", ErrInvalidEvent, ev.Type)
	}
	return &ev, nil
}

func (ev *Event) parse(want EventType, v interface{}) error {
	if ev.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrInvalidEvent, ev.Type, want)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, want, err)
	}
	return nil
}

// Join asks the server to add the connection to a room
type Join struct {
	Room string `json:"room"`
}

// ParseJoin validates a join event and normalizes the room code.
func (ev *Event) ParseJoin() (Join, error) {
	var j Join
	if err := ev.parse(EventJoin, &j); err != nil {
		return j, err
	}

	code, err := NormalizeRoomCode(j.Room)
	if err != nil {
		return j, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	j.Room = code
	return j, nil
}

// Member is one directory entry
type Member struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Online    bool   `json:"online"`
}

// Directory is a full roster snapshot for a room. It replaces any earlier
// snapshot for the same room.
type Directory struct {
	Room    string   `json:"room"`
	Members []Member `json:"members"`
}

// ParseDirectory validates a directory event.
func (ev *Event) ParseDirectory() (Directory, error) {
	var d Directory
	if err := ev.parse(EventDirectory, &d); err != nil {
		return d, err
	}
	if d.Room == "" {
		return d, fmt.Errorf("%w: directory without room", ErrInvalidEvent)
	}
	for _, m := range d.Members {
		if m.Name == "" {
			return d, fmt.Errorf("%w: directory member without name", ErrInvalidEvent)
		}
	}
	return d, nil
}

// Envelope is one ciphertext addressed to exactly one recipient
type Envelope struct {
	ID        string    `json:"id,omitempty"`
	Room      string    `json:"room,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"` // base64(nonce || ciphertext)
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields every envelope must carry. From, ID and
// Timestamp are assigned by the server and are not checked here.
func (e *Envelope) Validate() error {
	if e.To == "" {
		return fmt.Errorf("%w: envelope without recipient", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	raw, err := base64.StdEncoding.DecodeString(e.Message)
	if err != nil {
		return fmt.Errorf("%w: message is not base64", ErrInvalidEvent)
	}
	if len(raw) < minMessageBytes {
		return fmt.Errorf("%w: message too short", ErrInvalidEvent)
	}
	return nil
}

// Counterpart returns the other party of the envelope from self's view.
func (e *Envelope) Counterpart(self string) string {
	if e.From == self {
		return e.To
	}
	return e.From
}

// ParseEnvelope validates an envelope event.
func (ev *Event) ParseEnvelope() (Envelope, error) {
	var e Envelope
	if err := ev.parse(EventEnvelope, &e); err != nil {
		return e, err
	}
	return e, e.Validate()
}

// HistoryChunkBytes bounds the envelope bytes carried by one history frame.
const HistoryChunkBytes = 4 * 1024 * 1024

// envelopeOverhead approximates the JSON framing of one envelope
const envelopeOverhead = 160

// HistoryChunk is one frame of a history replay. A replay is sent as one or
// more chunks in order and only the last has Final set.
type HistoryChunk struct {
	Envelopes []Envelope `json:"envelopes"`
	Final     bool       `json:"final"`
}

// ChunkHistory splits envs into chunks of at most maxBytes encoded
// envelope bytes. An envelope larger than maxBytes travels alone. The
// result always holds at least one chunk, the last one Final.
func ChunkHistory(envs []Envelope, maxBytes int) []HistoryChunk {
	if maxBytes <= 0 {
		maxBytes = HistoryChunkBytes
	}

	var (
		chunks []HistoryChunk
		cur    = HistoryChunk{Envelopes: []Envelope{}}
		size   int
	)
	for _, env := range envs {
		n := len(env.Message) + len(env.ID) + len(env.Room) + len(env.From) + len(env.To) + envelopeOverhead
		if len(cur.Envelopes) > 0 && size+n > maxBytes {
			chunks = append(chunks, cur)
			cur = HistoryChunk{Envelopes: []Envelope{}}
			size = 0
		}
		cur.Envelopes = append(cur.Envelopes, env)
		size += n
	}
	cur.Final = true
	return append(chunks, cur)
}

// ParseHistory validates a history chunk. A bare envelope list is accepted
// as a complete replay in one frame. Envelopes that fail validation are
// reported as an error for the whole chunk.
func (ev *Event) ParseHistory() (HistoryChunk, error) {
	var h HistoryChunk
	if ev.Type == EventHistory && len(ev.Payload) > 0 && ev.Payload[0] == '[' {
		if err := ev.parse(EventHistory, &h.Envelopes); err != nil {
			return h, err
		}
		h.Final = true
	} else if err := ev.parse(EventHistory, &h); err != nil {
		return h, err
	}

	for i := range h.Envelopes {
		if h.Envelopes[i].From == "" {
			return HistoryChunk{}, fmt.Errorf("%w: history entry %d without sender", ErrInvalidEvent, i)
		}
		if err := h.Envelopes[i].Validate(); err != nil {
			return HistoryChunk{}, fmt.Errorf("history entry %d: %w", i, err)
		}
	}
	return h, nil
}

// ErrorCode classifies a wire error
type ErrorCode string

const (
	CodeInvalidEvent     ErrorCode = "invalid_event"
	CodeNotJoined        ErrorCode = "not_joined"
	CodeUnknownRecipient ErrorCode = "unknown_recipient"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodePayloadTooLarge  ErrorCode = "payload_too_large"
	CodeInternal         ErrorCode = "internal"
)

// Error is a non-fatal error reported to one connection
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// To names the recipient of a rejected envelope.
	To string `json:"to,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ParseError decodes an error event.
func (ev *Event) ParseError() (Error, error) {
	var e Error
	if err := ev.parse(EventError, &e); err != nil {
		return e, err
	}
	if e.Code == "" {
		return e, fmt.Errorf("%w: error without code", ErrInvalidEvent)
	}
	return e, nil
}
