package relay

import (
	"context"
	"fmt"
	"sort"

	"sealroom.dev/go/sealroom/internal/protocol"
	"sealroom.dev/go/sealroom/internal/store"
)

// History records relayed envelopes and replays them on join. It only
// ever handles ciphertext.
type History struct {
	store store.Store
}

// NewHistory wraps a store.
func NewHistory(st store.Store) *History {
	return &History{store: st}
}

// Record appends env to its room's history.
func (h *History) Record(ctx context.Context, env protocol.Envelope) error {
	if err := h.store.AppendMessage(ctx, env); err != nil {
		return fmt.Errorf("record envelope: %w", err)
	}
	return nil
}

// Replay returns the envelopes of room that identity sent or received,
// ordered by timestamp. Envelopes with equal timestamps keep arrival order.
func (h *History) Replay(ctx context.Context, room, identity string) ([]protocol.Envelope, error) {
	all, err := h.store.ListMessages(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	out := make([]protocol.Envelope, 0, len(all))
	for _, env := range all {
		if env.From == identity || env.To == identity {
			out = append(out, env)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
