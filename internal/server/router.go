package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tanvirwebtech/hype-chat-server/internal/store"
)

var (
	// ErrMalformedFrame and ErrAnonymousSender mark frames that are dropped
	// without telling the sender.
	ErrMalformedFrame  = errors.New("malformed inbound frame")
	ErrAnonymousSender = errors.New("sender has no identity")
	// ErrSendFailed means the message could not be persisted and was not delivered.
	ErrSendFailed = errors.New("send failed")
)

var validate = validator.New()

// Router persists inbound messages and fans them out to the recipient's
// live connections.
type Router struct {
	store    store.MessageStore
	registry *Registry
	evict    func(*Connection)
	log      zerolog.Logger
}

// NewRouter returns a Router. evict is called for recipients whose send
// buffer is full; it may be nil.
func NewRouter(messages store.MessageStore, registry *Registry, evict func(*Connection), log zerolog.Logger) *Router {
	if evict == nil {
		evict = func(*Connection) {}
	}
	return &Router{store: messages, registry: registry, evict: evict, log: log}
}

// HandleInbound processes one application frame received on from.
//
// Frames that do not decode, and frames from anonymous connections, are
// dropped before touching the store. A store failure is returned wrapped in
// ErrSendFailed and nothing is delivered.
func (r *Router) HandleInbound(ctx context.Context, from *Connection, payload []byte) error {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := validate.Struct(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	sender := from.Identity()
	if sender == nil {
		return ErrAnonymousSender
	}

	msg, err := r.store.Append(ctx, sender.UserID, string(frame.Recipient), frame.Text)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	delivered := r.deliver(msg)
	r.log.Debug().
		Str("id", msg.ID).
		Str("sender", msg.Sender).
		Str("recipient", msg.Recipient).
		Int("delivered", delivered).
		Msg("message routed")
	return nil
}

// deliver sends msg to every live connection of the recipient, skipping all
// of the sender's sessions, and returns how many connections got it.
func (r *Router) deliver(msg store.Message) int {
	payload, err := json.Marshal(newDeliveryFrame(msg))
	if err != nil {
		r.log.Error().Err(err).Str("id", msg.ID).Msg("failed to encode delivery")
		return 0
	}

	targets := lo.Filter(r.registry.Snapshot(), func(c *Connection, _ int) bool {
		userID := c.UserID()
		return userID != "" && userID == msg.Recipient && userID != msg.Sender
	})

	delivered := 0
	for _, c := range targets {
		switch err := r.registry.Deliver(c, payload); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSendBufferFull):
			r.log.Warn().Str("conn", c.ID()).Str("id", msg.ID).Msg("recipient too slow, evicting")
			r.evict(c)
		}
	}
	return delivered
}
