//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_message_store.go -package=mocks

// Package store persists chat messages and answers conversation history
// queries.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrStoreClosed = errors.New("message store is closed")

// Message is a persisted chat message. ID and CreatedAt are assigned by the
// store on Append and never change afterwards.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStore persists messages and answers conversation history queries.
type MessageStore interface {
	// Append stores a new message and returns it with ID and CreatedAt set.
	Append(ctx context.Context, sender, recipient, text string) (Message, error)
	// Query returns every message exchanged between a and b, in either
	// direction, ordered by CreatedAt ascending.
	Query(ctx context.Context, a, b string) ([]Message, error)
	Close() error
}

// clock hands out strictly increasing UTC timestamps, so two appends never
// share a CreatedAt even when the wall clock stalls or steps back.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// observe moves the clock past t, so later ticks sort after a timestamp that
// was persisted before this process started.
func (c *clock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.UTC()
	}
}

// newMessage stamps a message with a time-ordered id and the next clock tick.
func newMessage(c *clock, sender, recipient, text string) (Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        id.String(),
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		CreatedAt: c.next(),
	}, nil
}

// conversation orders the two participants so both directions share a key.
func conversation(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
