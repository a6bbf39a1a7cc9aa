package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tanvirwebtech/hype-chat-server/internal/auth"
	"github.com/tanvirwebtech/hype-chat-server/internal/logging"
	"github.com/tanvirwebtech/hype-chat-server/internal/store"
)

func testConfig() Config {
	cfg := *NewConfig()
	cfg.JWTSecret = "test-secret"
	cfg.StoreDriver = StoreMemory
	cfg.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.SendBufferSize = 8
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Hour, Timeout: time.Minute}
	return cfg
}

func newTestHub(t *testing.T, cfg Config, messages store.MessageStore) *Hub {
	t.Helper()
	if messages == nil {
		messages = store.NewMemoryStore()
	}
	h := NewHub(cfg, messages, logging.Nop())
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

// addConn registers a socketless connection without starting its pumps.
func addConn(t *testing.T, h *Hub, userID, username string) *Connection {
	t.Helper()
	var id *auth.Identity
	if userID != "" {
		id = &auth.Identity{UserID: userID, Username: username}
	}
	c := NewConnection(nil, id, "test", h)
	require.NoError(t, h.registry.Add(c))
	return c
}

// drain returns every frame queued on c without blocking.
func drain(c *Connection) [][]byte {
	var frames [][]byte
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func decodeRoster(t *testing.T, frame []byte) []auth.Identity {
	t.Helper()
	var r rosterFrame
	require.NoError(t, json.Unmarshal(frame, &r))
	return r.Online
}
