// Package server coordinates connection registration, presence broadcast, and
// connection cleanup for the chat websocket system via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanvirwebtech/hype-chat-server/internal/store"
)

var ErrHubClosed = errors.New("hub is shut down")

// Hub owns the live connections. Every registry mutation and the roster
// broadcast that follows it happen under one lock, so rosters reach clients
// in the order the changes were made.
type Hub struct {
	cfg      Config
	log      zerolog.Logger
	registry *Registry
	presence Broadcaster
	router   *Router

	churn  sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a Hub that persists messages in messages.
func NewHub(cfg Config, messages store.MessageStore, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	h := &Hub{
		cfg:      cfg,
		log:      log,
		registry: registry,
		presence: NewPresenceBroadcaster(registry, log),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.router = NewRouter(messages, registry, h.evictSlow, log)
	return h
}

// Registry exposes the live connection set.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Register adds c, starts its pumps and heartbeat, and broadcasts the roster.
func (h *Hub) Register(c *Connection) error {
	h.churn.Lock()
	defer h.churn.Unlock()

	if h.ctx.Err() != nil {
		c.closeTransport()
		return ErrHubClosed
	}
	if err := h.registry.Add(c); err != nil {
		c.closeTransport()
		return err
	}
	c.log.Info().
		Bool("anonymous", c.identity == nil).
		Int("total", h.registry.Len()).
		Msg("connection registered")

	h.wg.Add(4)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	go func() {
		defer h.wg.Done()
		c.dispatchPump()
	}()
	go func() {
		defer h.wg.Done()
		c.heartbeat.Run(c.ctx)
	}()

	h.notifyLocked()
	return nil
}

// Unregister tears c down after its transport closed.
func (h *Hub) Unregister(c *Connection) {
	c.closeTransport()
	h.remove(c, "disconnected")
}

// evictUnresponsive is the heartbeat's Dead callback. The heartbeat has
// already stopped its own timers.
func (h *Hub) evictUnresponsive(c *Connection) {
	c.log.Warn().Dur("timeout", h.cfg.Heartbeat.Timeout).Msg("liveness probe unanswered, evicting")
	c.closeTransport()
	h.remove(c, "heartbeat timeout")
}

func (h *Hub) evictSlow(c *Connection) {
	c.closeTransport()
	h.remove(c, "send buffer full")
}

// remove deregisters c and broadcasts the roster. It reports whether c was
// still registered, so a connection is announced as gone exactly once.
func (h *Hub) remove(c *Connection, reason string) bool {
	h.churn.Lock()
	defer h.churn.Unlock()

	if !h.registry.Remove(c) {
		return false
	}
	c.log.Info().Str("reason", reason).Int("total", h.registry.Len()).Msg("connection unregistered")

	if h.ctx.Err() == nil {
		h.notifyLocked()
	}
	return true
}

// notifyLocked broadcasts the roster, dropping connections that cannot keep
// up and rebroadcasting until a broadcast reaches everyone left.
func (h *Hub) notifyLocked() {
	for {
		removed := false
		for _, c := range h.presence.Notify() {
			c.closeTransport()
			if h.registry.Remove(c) {
				c.log.Warn().Msg("connection removed due to full send buffer")
				removed = true
			}
		}
		if !removed {
			return
		}
	}
}

// Shutdown closes every connection and waits for their goroutines, or
// until timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.churn.Lock()
	h.cancel()
	conns := h.registry.Snapshot()
	h.churn.Unlock()

	for _, c := range conns {
		c.closeTransport()
	}
	h.log.Info().Int("connections", len(conns)).Msg("closed client connections")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
