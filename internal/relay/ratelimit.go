package relay

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"sealroom.dev/go/sealroom/internal/protocol"
)

// RateLimitConfig defines per-identity event limits
type RateLimitConfig struct {
	// Per-identity limit across control events. Envelopes are limited
	// only by their type limit, since one message to a room of n members
	// is n envelopes.
	EventsPerSecond float64
	Burst           int

	// Per-type limits (events per minute)
	TypeLimits map[protocol.EventType]TypeLimit

	// Global limit across all identities
	GlobalEventsPerSecond float64
	GlobalBurst           int

	// Frame size limits per event type (bytes)
	TypeSizeLimits map[protocol.EventType]int
}

// TypeLimit defines the rate for one event type
type TypeLimit struct {
	PerMinute int
	Burst     int
}

// DefaultRateLimitConfig returns limits suited to interactive chat.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		EventsPerSecond: 20,
		Burst:           60,

		TypeLimits: map[protocol.EventType]TypeLimit{
			// A fan-out to a large room arrives as a burst of envelopes
			protocol.EventEnvelope: {PerMinute: 1200, Burst: 500},
			protocol.EventJoin:     {PerMinute: 30, Burst: 5},
		},

		GlobalEventsPerSecond: 2000,
		GlobalBurst:           4000,

		TypeSizeLimits: map[protocol.EventType]int{
			protocol.EventJoin:     1024,
			protocol.EventEnvelope: 2 * 1024 * 1024,
		},
	}
}

// RateLimiter applies global, per-identity and per-type limits
type RateLimiter struct {
	config *RateLimitConfig

	globalLimiter *rate.Limiter

	identityLimiters sync.Map // identity -> *rate.Limiter
	typeLimiters     sync.Map // "identity:type" -> *rate.Limiter
}

// NewRateLimiter creates a rate limiter. A nil config uses the defaults.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:        config,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalEventsPerSecond), config.GlobalBurst),
	}
}

// Allow checks whether identity may send an event of type t and size n.
func (rl *RateLimiter) Allow(identity string, t protocol.EventType, n int) error {
	if limit, ok := rl.config.TypeSizeLimits[t]; ok && n > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d for %s", errTooLarge, n, limit, t)
	}

	if !rl.globalLimiter.Allow() {
		return fmt.Errorf("%w: global", errRateLimited)
	}
	if t != protocol.EventEnvelope && !rl.identityLimiter(identity).Allow() {
		return fmt.Errorf("%w: identity", errRateLimited)
	}
	if tl := rl.typeLimiter(identity, t); tl != nil && !tl.Allow() {
		return fmt.Errorf("%w: %s", errRateLimited, t)
	}
	return nil
}

func (rl *RateLimiter) identityLimiter(identity string) *rate.Limiter {
	if l, ok := rl.identityLimiters.Load(identity); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(rl.config.EventsPerSecond), rl.config.Burst)
	actual, _ := rl.identityLimiters.LoadOrStore(identity, l)
	return actual.(*rate.Limiter)
}

func (rl *RateLimiter) typeLimiter(identity string, t protocol.EventType) *rate.Limiter {
	key := identity + ":" + string(t)
	if l, ok := rl.typeLimiters.Load(key); ok {
		return l.(*rate.Limiter)
	}

	tl, ok := rl.config.TypeLimits[t]
	if !ok {
		return nil
	}
	l := rate.NewLimiter(rate.Limit(float64(tl.PerMinute)/60.0), tl.Burst)
	actual, _ := rl.typeLimiters.LoadOrStore(key, l)
	return actual.(*rate.Limiter)
}

// Forget drops the limiters of an identity with no live connections.
func (rl *RateLimiter) Forget(identity string) {
	rl.identityLimiters.Delete(identity)
	for t := range rl.config.TypeLimits {
		rl.typeLimiters.Delete(identity + ":" + string(t))
	}
}
