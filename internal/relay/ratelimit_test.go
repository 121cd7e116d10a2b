package relay

import (
	"errors"
	"testing"

	"sealroom.dev/go/sealroom/internal/protocol"
)

func TestRateLimiter_TypeLimit(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		EventsPerSecond: 1000,
		Burst:           1000,
		TypeLimits: map[protocol.EventType]TypeLimit{
			protocol.EventEnvelope: {PerMinute: 60, Burst: 3},
		},
		GlobalEventsPerSecond: 1000,
		GlobalBurst:           1000,
	})

	for i := 0; i < 3; i++ {
		if err := rl.Allow("alice", protocol.EventEnvelope, 100); err != nil {
			t.Fatalf("envelope %d should be allowed: %v", i+1, err)
		}
	}

	err := rl.Allow("alice", protocol.EventEnvelope, 100)
	if !errors.Is(err, errRateLimited) {
		t.Fatalf("got %v, want errRateLimited", err)
	}

	// Other identities and event types have their own buckets
	if err := rl.Allow("bob", protocol.EventEnvelope, 100); err != nil {
		t.Errorf("bob should not be limited: %v", err)
	}
	if err := rl.Allow("alice", protocol.EventJoin, 10); err != nil {
		t.Errorf("join should not be limited: %v", err)
	}
}

func TestRateLimiter_IdentityLimit(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		EventsPerSecond:       1,
		Burst:                 2,
		GlobalEventsPerSecond: 1000,
		GlobalBurst:           1000,
	})

	rl.Allow("alice", protocol.EventJoin, 10)
	rl.Allow("alice", protocol.EventJoin, 10)
	if err := rl.Allow("alice", protocol.EventJoin, 10); !errors.Is(err, errRateLimited) {
		t.Fatalf("got %v, want errRateLimited", err)
	}

	rl.Forget("alice")
	if err := rl.Allow("alice", protocol.EventJoin, 10); err != nil {
		t.Errorf("forgotten identity should start with a full bucket: %v", err)
	}
}

func TestRateLimiter_SizeLimit(t *testing.T) {
	rl := NewRateLimiter(nil)

	err := rl.Allow("alice", protocol.EventJoin, 4096)
	if !errors.Is(err, errTooLarge) {
		t.Fatalf("got %v, want errTooLarge", err)
	}
	if err := rl.Allow("alice", protocol.EventEnvelope, 4096); err != nil {
		t.Errorf("small envelope should be allowed: %v", err)
	}
}

func TestRateLimiter_FanOutToLargeRoom(t *testing.T) {
	rl := NewRateLimiter(nil)

	// One message to a room of 300 other members is 300 envelopes
	for i := 0; i < 300; i++ {
		if err := rl.Allow("alice", protocol.EventEnvelope, 200); err != nil {
			t.Fatalf("envelope %d rejected: %v", i+1, err)
		}
	}

	// Envelopes do not drain the identity bucket used by control events
	if err := rl.Allow("alice", protocol.EventJoin, 10); err != nil {
		t.Errorf("join after a fan-out should be allowed: %v", err)
	}
}
