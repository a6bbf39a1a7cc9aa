package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const keyPrefix = "msg:"

// BadgerStore persists messages in BadgerDB.
//
// Keys are "msg:{len(a)}:{a}:{len(b)}:{b}:{unixnano, 19 digits}:{id}" with a
// and b the ordered participants. Both directions of a conversation share one
// prefix and the zero padded timestamp makes a forward prefix scan return
// messages in CreatedAt order. The length fields keep participant ids that
// contain ':' from colliding.
type BadgerStore struct {
	db    *badger.DB
	log   zerolog.Logger
	clock *clock
	// writes are serialized so commit order matches CreatedAt order.
	writeMu sync.Mutex
	closed  atomic.Bool
}

// OpenBadgerStore opens (or creates) a database in dir.
func OpenBadgerStore(dir string, log zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log: log.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	s, err := NewBadgerStore(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewBadgerStore wraps an already opened database. Close closes db. The
// store's clock starts after the newest message already in db.
func NewBadgerStore(db *badger.DB, log zerolog.Logger) (*BadgerStore, error) {
	s := &BadgerStore{db: db, log: log, clock: newClock()}
	newest, err := newestTimestamp(db)
	if err != nil {
		return nil, fmt.Errorf("scan message keys: %w", err)
	}
	if !newest.IsZero() {
		s.clock.observe(newest)
		log.Debug().Time("newest", newest).Msg("clock seeded from stored messages")
	}
	return s, nil
}

// newestTimestamp returns the largest CreatedAt encoded in any message key.
// Only keys are read.
func newestTimestamp(db *badger.DB) (time.Time, error) {
	var newest int64
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ts, ok := keyTimestamp(it.Item().Key())
			if ok && ts > newest {
				newest = ts
			}
		}
		return nil
	})
	if err != nil || newest == 0 {
		return time.Time{}, err
	}
	return time.Unix(0, newest).UTC(), nil
}

// keyTimestamp extracts the unixnano field, which sits between the last two
// colons because message ids never contain one.
func keyTimestamp(key []byte) (int64, bool) {
	end := bytes.LastIndexByte(key, ':')
	if end < 0 {
		return 0, false
	}
	start := bytes.LastIndexByte(key[:end], ':')
	if start < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(string(key[start+1:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func (s *BadgerStore) Append(ctx context.Context, sender, recipient, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if s.closed.Load() {
		return Message{}, ErrStoreClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg, err := newMessage(s.clock, sender, recipient, text)
	if err != nil {
		return Message{}, err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}

	key := messageKey(msg)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return Message{}, ErrStoreClosed
		}
		return Message{}, fmt.Errorf("store message %s: %w", msg.ID, err)
	}
	return msg, nil
}

func (s *BadgerStore) Query(ctx context.Context, a, b string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var messages []Message
	prefix := conversationPrefix(a, b)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, ErrStoreClosed
		}
		return nil, err
	}

	s.log.Debug().Str("a", a).Str("b", b).Int("count", len(messages)).Msg("history query")
	return messages, nil
}

// Close closes the database. Calling it more than once is a no-op.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func conversationPrefix(a, b string) []byte {
	first, second := conversation(a, b)
	return []byte(fmt.Sprintf(keyPrefix+"%d:%s:%d:%s:", len(first), first, len(second), second))
}

func messageKey(msg Message) []byte {
	prefix := conversationPrefix(msg.Sender, msg.Recipient)
	return append(prefix, fmt.Sprintf("%019d:%s", msg.CreatedAt.UnixNano(), msg.ID)...)
}

// badgerLogger adapts zerolog to badger.Logger. Badger is chatty at info
// level, so its info lines are demoted to debug.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
