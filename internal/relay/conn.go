package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sealroom.dev/go/sealroom/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendQueue = 256
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send queue full")
)

// Conn is one authenticated websocket connection. readPump owns the
// joined room; the router holds the authoritative copy for routing.
type Conn struct {
	id       string
	identity string
	ip       string
	server   *Server
	ws       *websocket.Conn
	logger   *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	room string
}

func newConn(s *Server, ws *websocket.Conn, identity, ip string) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		identity: identity,
		ip:       ip,
		server:   s,
		ws:       ws,
		logger:   s.logger.With("conn", id[:8], "identity", identity),
		send:     make(chan []byte, s.opts.SendQueue),
		done:     make(chan struct{}),
	}
}

// Identity returns the authenticated identity name.
func (c *Conn) Identity() string {
	return c.identity
}

// Send queues ev for the write pump. A full queue closes the connection
// rather than blocking the sender.
func (c *Conn) Send(ev *protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.server.metrics.slowConsumerKick.Inc()
		c.logger.Warn("closing slow connection", "queued", len(c.send))
		c.close()
		return errSlowConsumer
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) sendError(code protocol.ErrorCode, msg string) {
	c.sendRejection(code, msg, "")
}

// sendRejection reports an error about an envelope addressed to to.
func (c *Conn) sendRejection(code protocol.ErrorCode, msg, to string) {
	c.server.metrics.rejected.WithLabelValues(string(code)).Inc()
	ev, err := protocol.NewEvent(protocol.EventError, protocol.Error{Code: code, Message: msg, To: to})
	if err != nil {
		return
	}
	c.Send(ev)
}

// readPump processes client events in order until the transport fails.
func (c *Conn) readPump(ctx context.Context) {
	s := c.server
	defer func() {
		c.close()
		// Leave must complete even when the server is shutting down
		if offline := s.dir.Leave(context.WithoutCancel(ctx), c); offline {
			s.limiter.Forget(c.identity)
		}
		s.connLimiter.Release(c.ip)
		s.metrics.connections.Dec()
		c.logger.Info("disconnected", "room", c.room)
	}()

	c.ws.SetReadLimit(s.opts.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			c.sendError(protocol.CodeInvalidEvent, err.Error())
			continue
		}

		if err := s.limiter.Allow(c.identity, ev.Type, len(data)); err != nil {
			code := protocol.CodeRateLimited
			if errors.Is(err, errTooLarge) {
				code = protocol.CodePayloadTooLarge
			}
			var to string
			if env, perr := ev.ParseEnvelope(); perr == nil {
				to = env.To
			}
			c.sendRejection(code, err.Error(), to)
			continue
		}

		switch ev.Type {
		case protocol.EventJoin:
			c.handleJoin(ctx, ev)
		case protocol.EventEnvelope:
			c.handleEnvelope(ctx, ev)
		default:
			c.sendError(protocol.CodeInvalidEvent, "clients may only send join and envelope events")
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, ev *protocol.Event) {
	j, err := ev.ParseJoin()
	if err != nil {
		c.sendError(protocol.CodeInvalidEvent, err.Error())
		return
	}

	if _, err := c.server.dir.Join(ctx, c, j.Room); err != nil {
		c.logger.Error("join failed", "room", j.Room, "error", err)
		c.sendError(protocol.CodeInternal, "join failed")
		return
	}
	c.room = j.Room
}

func (c *Conn) handleEnvelope(ctx context.Context, ev *protocol.Event) {
	if c.room == "" {
		c.sendError(protocol.CodeNotJoined, "join a room before sending")
		return
	}

	env, err := ev.ParseEnvelope()
	if err != nil {
		c.sendError(protocol.CodeInvalidEvent, err.Error())
		return
	}

	// The server is the only source of sender, room, id and time
	env.ID = uuid.NewString()
	env.From = c.identity
	env.Room = c.room
	env.Timestamp = time.Now().UTC().Truncate(time.Millisecond)

	n, err := c.server.dir.Deliver(ctx, env)
	switch {
	case errors.Is(err, ErrUnknownRecipient):
		c.sendRejection(protocol.CodeUnknownRecipient, env.To+" is not a member of "+env.Room, env.To)
		return
	case err != nil:
		c.logger.Error("deliver envelope", "room", env.Room, "error", err)
		c.sendError(protocol.CodeInternal, "message not stored")
		return
	}

	c.server.metrics.envelopes.WithLabelValues(string(env.Kind)).Inc()
	c.server.metrics.envelopeBytes.Add(float64(len(env.Message)))
	c.logger.Debug("relayed envelope",
		"room", env.Room,
		"to", env.To,
		"kind", env.Kind,
		"size", len(env.Message),
		"live", n)
}

// writePump is the only writer to the websocket. It sends one event per
// frame and pings to keep the read deadline of the peer alive.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
