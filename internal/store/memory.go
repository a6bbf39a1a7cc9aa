package store

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps messages in process memory. It is meant for tests and
// for running the server without a data directory.
type MemoryStore struct {
	mu            sync.RWMutex
	clock         *clock
	conversations map[[2]string][]Message
	closed        bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:         newClock(),
		conversations: make(map[[2]string][]Message),
	}
}

func (s *MemoryStore) Append(ctx context.Context, sender, recipient, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, ErrStoreClosed
	}

	// Stamped under the write lock so slice order matches CreatedAt order.
	msg, err := newMessage(s.clock, sender, recipient, text)
	if err != nil {
		return Message{}, err
	}
	first, second := conversation(sender, recipient)
	key := [2]string{first, second}
	s.conversations[key] = append(s.conversations[key], msg)
	return msg, nil
}

func (s *MemoryStore) Query(ctx context.Context, a, b string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	first, second := conversation(a, b)
	return slices.Clone(s.conversations[[2]string{first, second}]), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
