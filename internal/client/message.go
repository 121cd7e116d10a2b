package client

import (
	"errors"
	"fmt"
	"time"

	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/protocol"
)

// Update is something the chat view should render. It is one of Message,
// Notice, Roster or History.
type Update interface {
	isUpdate()
}

// Message is one decrypted chat message
type Message struct {
	ID        string
	Room      string
	From      string
	To        string
	Kind      protocol.Kind
	Text      string
	Image     *protocol.Image
	Timestamp time.Time

	// Self is set for messages this identity authored.
	Self bool

	// Unreachable lists members skipped on send because their published
	// key is invalid. Only set on local echoes.
	Unreachable []string
}

// NoticeKind classifies a notice
type NoticeKind int

const (
	NoticeSenderMissing NoticeKind = iota
	NoticeDecryptFailed
	NoticePeerUnreachable
	NoticeRelayError
	NoticeDisconnected

	// NoticeUndelivered reports a recipient whose copy of a message the
	// relay rejected.
	NoticeUndelivered
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeSenderMissing:
		return "sender info missing"
	case NoticeDecryptFailed:
		return "decryption failed"
	case NoticePeerUnreachable:
		return "peer unreachable"
	case NoticeRelayError:
		return "relay error"
	case NoticeDisconnected:
		return "disconnected"
	case NoticeUndelivered:
		return "not delivered"
	default:
		return "notice"
	}
}

// Notice is a non-fatal condition shown to the user in place of a message
type Notice struct {
	Kind NoticeKind
	Room string
	Peer string
	Err  error
}

func (n Notice) String() string {
	switch {
	case n.Peer != "" && n.Err != nil:
		return fmt.Sprintf("%s (%s): %v", n.Kind, n.Peer, n.Err)
	case n.Err != nil:
		return fmt.Sprintf("%s: %v", n.Kind, n.Err)
	default:
		return n.Kind.String()
	}
}

// Roster is a directory snapshot received from the relay
type Roster struct {
	protocol.Directory
}

// History is the decoded replay sent after a join
type History struct {
	Room     string
	Messages []Message
}

func (Message) isUpdate() {}
func (Notice) isUpdate()  {}
func (Roster) isUpdate()  {}
func (History) isUpdate() {}

// noticeFor classifies a decode failure of env.
func noticeFor(env protocol.Envelope, peer string, err error) Notice {
	n := Notice{Room: env.Room, Peer: peer, Err: err}
	switch {
	case errors.Is(err, ErrSenderInfoMissing):
		n.Kind = NoticeSenderMissing
	case errors.Is(err, crypto.ErrInvalidKey):
		n.Kind = NoticePeerUnreachable
	default:
		n.Kind = NoticeDecryptFailed
	}
	return n
}
