// Package server manages individual WebSocket connections, handling the read,
// write and dispatch pumps, rate limiting, and the liveness heartbeat of each one.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tanvirwebtech/hype-chat-server/internal/auth"
)

const inboundQueueSize = 16

// Connection is one live websocket session, optionally bound to an identity.
type Connection struct {
	id        string
	conn      *websocket.Conn
	identity  *auth.Identity
	addr      string
	hub       *Hub
	send      chan []byte
	inbound   chan []byte
	heartbeat *Heartbeat
	limiter   *rateLimiter
	log       zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn for hub. identity is nil for anonymous
// connections. conn may be nil in tests that never start the pumps.
func NewConnection(conn *websocket.Conn, identity *auth.Identity, addr string, hub *Hub) *Connection {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}

	ctx, cancel := context.WithCancel(hub.ctx)
	c := &Connection{
		id:       uuid.NewString(),
		conn:     conn,
		identity: identity,
		addr:     addr,
		hub:      hub,
		send:     make(chan []byte, cfg.SendBufferSize),
		inbound:  make(chan []byte, inboundQueueSize),
		limiter:  newRateLimiter(cfg.RateLimit),
		ctx:      ctx,
		cancel:   cancel,
	}

	logCtx := hub.log.With().Str("conn", c.id).Str("remote_addr", addr)
	if identity != nil {
		logCtx = logCtx.Str("user_id", identity.UserID)
	}
	c.log = logCtx.Logger()
	c.heartbeat = NewHeartbeat(cfg.Heartbeat, c.probe, func() { hub.evictUnresponsive(c) })
	return c
}

// ID identifies the connection in logs.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns a copy of the resolved identity, or nil when anonymous.
func (c *Connection) Identity() *auth.Identity {
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

// UserID returns the identity's user id, or "" when anonymous.
func (c *Connection) UserID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

// Liveness returns the connection's heartbeat state.
func (c *Connection) Liveness() LivenessState {
	return c.heartbeat.State()
}

// GetSendChan returns the connection's outgoing frames.
func (c *Connection) GetSendChan() <-chan []byte {
	return c.send
}

// closeTransport stops the connection's goroutines and closes the socket.
func (c *Connection) closeTransport() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("error closing connection")
		}
	})
}

// probe sends a websocket ping. WriteControl may run concurrently with the
// write pump.
func (c *Connection) probe() error {
	wait := min(c.hub.cfg.WriteWait, c.hub.cfg.Heartbeat.Timeout)
	err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
	if err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("liveness probe write failed")
	}
	return err
}

// readPump is the only writer of c.inbound and closes it on the way out, so
// dispatchPump finishes every frame that was read.
func (c *Connection) readPump() {
	defer c.hub.Unregister(c)
	defer close(c.inbound)

	c.conn.SetPongHandler(func(string) error {
		c.heartbeat.Ack()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			c.log.Warn().
				Int("burst", c.hub.cfg.RateLimit.Burst).
				Dur("refill", c.hub.cfg.RateLimit.RefillInterval).
				Msg("rate limit exceeded; discarding frame")
			continue
		}

		// Blocks while the queue is full: a slow store slows this peer's
		// reads instead of losing its messages.
		c.inbound <- raw
	}
}

// logReadError classifies the error that ended the read loop.
func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int("max_bytes", c.hub.cfg.MaxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err) || c.ctx.Err() != nil:
		c.log.Info().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
}

// dispatchPump hands inbound frames to the router one at a time. Running
// persistence here keeps a slow store from blocking the read pump, which
// also carries the heartbeat acknowledgments. It drains the queue after the
// connection closes.
func (c *Connection) dispatchPump() {
	for raw := range c.inbound {
		c.dispatch(raw)
	}
}

func (c *Connection) dispatch(raw []byte) {
	// Frames already read are persisted even if the connection or the hub is
	// going away.
	ctx := context.WithoutCancel(c.hub.ctx)
	err := c.hub.router.HandleInbound(ctx, c, raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrAnonymousSender):
		c.log.Debug().Err(err).Msg("inbound frame dropped")
	default:
		c.log.Warn().Err(err).Msg("message not sent")
	}
}

func (c *Connection) writePump() {
	defer c.closeTransport()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.send:
			if !c.write(frame, ok) {
				return
			}
		}
	}
}

// write sends one frame, or a close frame once the send channel is closed.
// It returns false when the pump should stop.
func (c *Connection) write(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
		c.log.Debug().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		err := c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		if err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error writing close frame")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing frame")
		}
		return false
	}
	return true
}
