// Package relay implements the sealroom relay server. It authenticates
// connections, maintains room rosters and forwards ciphertext envelopes
// between members without ever seeing a private key.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sealroom.dev/go/sealroom/internal/audit"
	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/store"
)

var (
	errTooLarge    = errors.New("event too large")
	errRateLimited = errors.New("rate limit exceeded")
)

// DefaultMaxMessageBytes bounds one websocket frame from a client. A
// 500 KB image grows by a third in base64 twice over, plus the sealing
// overhead.
const DefaultMaxMessageBytes = 2 * 1024 * 1024

// Options configures a Server
type Options struct {
	Listen          string
	MaxMessageBytes int64
	AllowedOrigins  []string
	SendQueue       int

	// HistoryChunkBytes bounds one history frame. Zero uses
	// protocol.HistoryChunkBytes.
	HistoryChunkBytes int

	RateLimits *RateLimitConfig
	ConnLimits *ConnectionLimitConfig

	// MDNS advertises the relay on the local network.
	MDNS         bool
	MDNSInstance string

	// Audit receives account, room and refused-connection events. Nil
	// disables auditing.
	Audit *audit.Log
}

// Server is the relay: an HTTP API for accounts and rooms plus a
// websocket endpoint carrying join and envelope events.
type Server struct {
	opts    Options
	store   store.Store
	auth    *auth.Service
	logger  *slog.Logger
	metrics *Metrics

	router      *Router
	dir         *Directory
	limiter     *RateLimiter
	connLimiter *ConnectionLimiter
	upgrader    websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New wires a server around a store and credential service.
func New(opts Options, st store.Store, authSvc *auth.Service, logger *slog.Logger) *Server {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	logger = logger.With("component", "relay")

	metrics := NewMetrics()
	router := NewRouter()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		opts:        opts,
		store:       st,
		auth:        authSvc,
		logger:      logger,
		metrics:     metrics,
		router:      router,
		dir:         NewDirectory(st, router, NewHistory(st), metrics, logger),
		limiter:     NewRateLimiter(opts.RateLimits),
		connLimiter: NewConnectionLimiter(opts.ConnLimits),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[*Conn]struct{}),
	}
	s.dir.audit = opts.Audit
	if opts.HistoryChunkBytes > 0 {
		s.dir.historyChunk = opts.HistoryChunkBytes
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler serving the API and the websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/public-key", s.authenticated(s.handlePublicKey))
	mux.HandleFunc("GET /api/rooms", s.authenticated(s.handleListRooms))
	mux.HandleFunc("POST /api/rooms", s.authenticated(s.handleCreateRoom))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.corsMiddleware(mux)
}

// Run listens on opts.Listen and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.opts.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := Advertise(s.opts.MDNSInstance, port)
		if err != nil {
			s.logger.Warn("mDNS advertising unavailable", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	go s.cleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not tracked by http.Server
	s.closeAll()
	return err
}

// Close disconnects every websocket and cancels in-flight work.
func (s *Server) Close() {
	s.closeAll()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.cancel()
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connLimiter.Cleanup()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if err := s.connLimiter.Acquire(ip); err != nil {
		s.metrics.connsRefused.Inc()
		s.errorResponse(w, http.StatusTooManyRequests, "too many connections")
		return
	}

	identity, err := s.identify(r)
	if err != nil {
		s.connLimiter.Release(ip)
		s.connLimiter.RecordFailure(ip)
		s.metrics.authFailures.Inc()
		s.logger.Debug("websocket refused", "ip", ip, "error", err)
		s.record(audit.Entry{Action: audit.ActionConnRefused, IP: ip, Detail: err.Error()})
		s.errorResponse(w, http.StatusUnauthorized, auth.ErrAuth.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.connLimiter.Release(ip)
		s.logger.Debug("websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	c := newConn(s, ws, identity, ip)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	s.router.Register(c)
	s.metrics.connections.Inc()
	c.logger.Info("connected", "ip", ip)

	go c.writePump()
	c.readPump(s.ctx)
}

func (s *Server) record(e audit.Entry) {
	if err := s.opts.Audit.Record(e); err != nil {
		s.logger.Warn("audit record failed", "action", e.Action, "error", err)
	}
}

// identify resolves the bearer token of a websocket request. Browsers
// cannot set headers on websocket requests, so the token may also arrive
// as the token query parameter.
func (s *Server) identify(r *http.Request) (string, error) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		token = r.URL.Query().Get("token")
		if token == "" {
			return "", err
		}
	}

	name, err := s.auth.Validate(token)
	if err != nil {
		return "", err
	}
	if _, err := s.store.FindUser(r.Context(), name); err != nil {
		return "", fmt.Errorf("%w: unknown identity", auth.ErrAuth)
	}
	return name, nil
}

// checkOrigin admits non-browser clients, configured origins and pages
// served from the relay's own host.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(600))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
