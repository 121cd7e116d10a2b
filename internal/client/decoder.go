package client

import (
	"fmt"

	"sealroom.dev/go/sealroom/internal/crypto"
	"sealroom.dev/go/sealroom/internal/protocol"
)

// decoder turns envelopes addressed to or sent by self into messages.
type decoder struct {
	self string
	keys *crypto.KeyStore
	dir  *DirectoryCache
}

// peerKey resolves the key of the other party of an envelope. It is called
// at decode time so that a roster received after the envelope still counts.
func (d *decoder) peerKey(room, peer string) (crypto.PublicKey, error) {
	if peer == d.self {
		return d.keys.PublicKey()
	}
	return d.dir.Resolve(room, peer)
}

// decode opens env with the secret shared with its counterpart: the sender
// for received envelopes, the recipient for envelopes self sent.
func (d *decoder) decode(env protocol.Envelope) (Message, []byte, error) {
	peer := env.Counterpart(d.self)

	pk, err := d.peerKey(env.Room, peer)
	if err != nil {
		return Message{}, nil, err
	}
	secret, err := d.keys.SharedSecret(pk)
	if err != nil {
		return Message{}, nil, err
	}
	plaintext, err := crypto.Open(env.Message, secret)
	if err != nil {
		return Message{}, nil, err
	}

	msg := Message{
		ID:        env.ID,
		Room:      env.Room,
		From:      env.From,
		To:        env.To,
		Kind:      env.Kind,
		Timestamp: env.Timestamp,
		Self:      env.From == d.self,
	}
	switch env.Kind {
	case protocol.KindImage:
		img, err := protocol.ParseImage(plaintext)
		if err != nil {
			return Message{}, nil, fmt.Errorf("%w: %v", crypto.ErrAuthenticationFailed, err)
		}
		msg.Image = &img
	default:
		msg.Text = string(plaintext)
	}
	return msg, plaintext, nil
}

type dedupKey struct {
	plaintext string
	kind      protocol.Kind
}

// decodeHistory decodes a replay in order. A message self sent to several
// members is stored once per recipient; those copies collapse to the first.
// Envelopes that cannot be decoded are returned as notices.
func (d *decoder) decodeHistory(envs []protocol.Envelope) ([]Message, []Notice, []protocol.Envelope) {
	var (
		msgs    = make([]Message, 0, len(envs))
		notices []Notice
		missing []protocol.Envelope
		seen    = make(map[dedupKey]bool)
	)

	for _, env := range envs {
		msg, plaintext, err := d.decode(env)
		if err != nil {
			n := noticeFor(env, env.Counterpart(d.self), err)
			notices = append(notices, n)
			if n.Kind == NoticeSenderMissing && env.From != d.self {
				missing = append(missing, env)
			}
			continue
		}

		if msg.Self {
			k := dedupKey{plaintext: string(plaintext), kind: env.Kind}
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		msgs = append(msgs, msg)
	}
	return msgs, notices, missing
}
