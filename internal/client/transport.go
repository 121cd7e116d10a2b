package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sealroom.dev/go/sealroom/internal/auth"
	"sealroom.dev/go/sealroom/internal/protocol"
)

const (
	writeWait = 10 * time.Second

	// maxFrameBytes bounds one inbound frame. History replays arrive in
	// chunks of protocol.HistoryChunkBytes, so this only has to cover the
	// largest single envelope the relay accepts.
	maxFrameBytes = 64 * 1024 * 1024
)

// Transport is an authenticated websocket connection to a relay.
type Transport struct {
	conn   *websocket.Conn
	events chan *protocol.Event
	done   chan struct{}

	mu        sync.Mutex // serializes writes
	closeOnce sync.Once
	connected atomic.Bool

	errMu   sync.Mutex
	lastErr error
}

// WebSocketURL converts a relay base URL such as https://relay.example to
// its websocket endpoint.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Dial connects to the relay at serverURL presenting token as a bearer
// credential. A refused credential fails here and is not retried.
func Dial(ctx context.Context, serverURL, token string) (*Transport, error) {
	wsURL, err := WebSocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: relay refused the session token (run 'sealroom login')", auth.ErrAuth)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	t := &Transport{
		conn:   conn,
		events: make(chan *protocol.Event, 64),
		done:   make(chan struct{}),
	}
	t.connected.Store(true)
	go t.receiveLoop()
	return t, nil
}

// Events returns inbound events. The channel is closed when the
// connection ends; Err then reports why.
func (t *Transport) Events() <-chan *protocol.Event {
	return t.events
}

// Send writes one event.
func (t *Transport) Send(ev *protocol.Event) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected to relay")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.setErr(err)
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	return nil
}

func (t *Transport) receiveLoop() {
	defer func() {
		t.connected.Store(false)
		close(t.events)
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				slog.Debug("relay receive error", "error", err)
				t.setErr(err)
			}
			return
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			slog.Warn("dropping malformed event from relay", "error", err)
			continue
		}

		select {
		case t.events <- ev:
		case <-t.done:
			return
		}
	}
}

// Close disconnects from the relay.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)

		t.mu.Lock()
		defer t.mu.Unlock()

		// Send close frame
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = t.conn.Close()
	})
	return err
}

// Connected returns whether the transport is still open.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Err returns the error that ended the connection, if any.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastErr
}

func (t *Transport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.lastErr == nil {
		t.lastErr = err
	}
}
