package relay

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var errConnectionRefused = errors.New("connection refused")

// ConnectionLimitConfig bounds websocket connections before authentication
type ConnectionLimitConfig struct {
	MaxConnections      int32
	ConnectionsPerSec   float64
	ConnectionBurst     int
	MaxConnectionsPerIP int32
	IPConnectionsPerSec float64
	IPConnectionBurst   int
	MaxFailuresPerIP    int32         // bad credentials before a temporary ban
	FailureWindow       time.Duration // window for counting failures
	BlockDuration       time.Duration
}

// DefaultConnectionLimitConfig returns defaults for a small public relay.
func DefaultConnectionLimitConfig() *ConnectionLimitConfig {
	return &ConnectionLimitConfig{
		MaxConnections:      1000,
		ConnectionsPerSec:   50,
		ConnectionBurst:     100,
		MaxConnectionsPerIP: 20,
		IPConnectionsPerSec: 5,
		IPConnectionBurst:   10,
		MaxFailuresPerIP:    10,
		FailureWindow:       time.Minute,
		BlockDuration:       5 * time.Minute,
	}
}

// ConnectionLimiter is checked on every upgrade request before the bearer
// token is looked at.
type ConnectionLimiter struct {
	cfg     ConnectionLimitConfig
	current int32
	global  *rate.Limiter

	perIP   sync.Map // ip -> *ipState
	blocked sync.Map // ip -> time.Time (unblock)
}

type ipState struct {
	conns   int32
	limiter *rate.Limiter

	mu          sync.Mutex
	failures    int32
	lastFailure time.Time
}

// NewConnectionLimiter creates a limiter. A nil config uses the defaults.
func NewConnectionLimiter(cfg *ConnectionLimitConfig) *ConnectionLimiter {
	if cfg == nil {
		cfg = DefaultConnectionLimitConfig()
	}
	return &ConnectionLimiter{
		cfg:    *cfg,
		global: rate.NewLimiter(rate.Limit(cfg.ConnectionsPerSec), cfg.ConnectionBurst),
	}
}

// Acquire reserves a connection slot for ip. Every successful Acquire must
// be paired with Release.
func (cl *ConnectionLimiter) Acquire(ip string) error {
	if until, ok := cl.blocked.Load(ip); ok {
		if time.Now().Before(until.(time.Time)) {
			return errConnectionRefused
		}
		cl.blocked.Delete(ip)
	}

	if !cl.global.Allow() {
		return errConnectionRefused
	}
	if atomic.LoadInt32(&cl.current) >= cl.cfg.MaxConnections {
		return errConnectionRefused
	}

	st := cl.state(ip)
	if atomic.LoadInt32(&st.conns) >= cl.cfg.MaxConnectionsPerIP {
		return errConnectionRefused
	}
	if !st.limiter.Allow() {
		return errConnectionRefused
	}

	atomic.AddInt32(&cl.current, 1)
	atomic.AddInt32(&st.conns, 1)
	return nil
}

// Release frees the slot taken by Acquire.
func (cl *ConnectionLimiter) Release(ip string) {
	atomic.AddInt32(&cl.current, -1)
	if v, ok := cl.perIP.Load(ip); ok {
		atomic.AddInt32(&v.(*ipState).conns, -1)
	}
}

// RecordFailure counts a refused credential and bans ip after too many.
func (cl *ConnectionLimiter) RecordFailure(ip string) {
	st := cl.state(ip)

	st.mu.Lock()
	defer st.mu.Unlock()

	if time.Since(st.lastFailure) > cl.cfg.FailureWindow {
		st.failures = 0
	}
	st.failures++
	st.lastFailure = time.Now()

	if st.failures >= cl.cfg.MaxFailuresPerIP {
		until := time.Now().Add(cl.cfg.BlockDuration)
		cl.blocked.Store(ip, until)
		slog.Warn("IP blocked after repeated auth failures",
			"ip", ip,
			"failures", st.failures,
			"blocked_until", until.Format(time.RFC3339))
		st.failures = 0
	}
}

// Current returns the number of held slots.
func (cl *ConnectionLimiter) Current() int32 {
	return atomic.LoadInt32(&cl.current)
}

// Cleanup removes expired bans and idle per-IP state.
func (cl *ConnectionLimiter) Cleanup() {
	now := time.Now()

	cl.blocked.Range(func(k, v interface{}) bool {
		if now.After(v.(time.Time)) {
			cl.blocked.Delete(k)
		}
		return true
	})

	cl.perIP.Range(func(k, v interface{}) bool {
		st := v.(*ipState)
		st.mu.Lock()
		if atomic.LoadInt32(&st.conns) == 0 && now.Sub(st.lastFailure) > 10*time.Minute {
			cl.perIP.Delete(k)
		}
		st.mu.Unlock()
		return true
	})
}

func (cl *ConnectionLimiter) state(ip string) *ipState {
	if v, ok := cl.perIP.Load(ip); ok {
		return v.(*ipState)
	}
	st := &ipState{limiter: rate.NewLimiter(rate.Limit(cl.cfg.IPConnectionsPerSec), cl.cfg.IPConnectionBurst)}
	actual, _ := cl.perIP.LoadOrStore(ip, st)
	return actual.(*ipState)
}

// remoteIP extracts the client IP from an HTTP request.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
