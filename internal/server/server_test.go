package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tanvirwebtech/hype-chat-server/internal/auth"
	"github.com/tanvirwebtech/hype-chat-server/internal/logging"
	"github.com/tanvirwebtech/hype-chat-server/internal/server"
	"github.com/tanvirwebtech/hype-chat-server/internal/store"
	"github.com/tanvirwebtech/hype-chat-server/internal/testhelpers"
)

const testSecret = "integration-secret"

type testEnv struct {
	srv      *server.Server
	http     *httptest.Server
	wsURL    string
	issuer   *auth.Issuer
	messages store.MessageStore
}

func newTestEnv(t *testing.T, tweak func(*server.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemoryStore(), tweak)
}

func newTestEnvWithStore(t *testing.T, messages store.MessageStore, tweak func(*server.Config)) *testEnv {
	t.Helper()

	cfg := server.NewConfig()
	cfg.JWTSecret = testSecret
	cfg.StoreDriver = server.StoreMemory
	cfg.AllowedOrigins = []string{testhelpers.DefaultOrigin}
	cfg.Heartbeat = server.HeartbeatConfig{Interval: time.Hour, Timeout: time.Minute}
	if tweak != nil {
		tweak(cfg)
	}

	srv := server.NewServer(*cfg, messages, logging.Nop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Hub().Shutdown(time.Second)
		_ = messages.Close()
	})

	return &testEnv{
		srv:      srv,
		http:     ts,
		wsURL:    testhelpers.WebSocketURL(ts.URL),
		issuer:   auth.NewIssuer([]byte(testSecret)),
		messages: messages,
	}
}

func (e *testEnv) token(t *testing.T, userID, username string) string {
	t.Helper()
	tok, err := e.issuer.Issue(auth.Identity{UserID: userID, Username: username}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, userID, username string) *websocket.Conn {
	t.Helper()
	opts := testhelpers.DialOptions{}
	if userID != "" {
		opts.Token = e.token(t, userID, username)
	}
	return testhelpers.Dial(t, e.wsURL, opts)
}

func (e *testEnv) get(t *testing.T, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.http.URL+path, http.NoBody)
	require.NoError(t, err)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: "token", Value: token})
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestPresenceAndDirectMessage(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "u1", "alice")
	roster := testhelpers.WaitForRoster(t, alice, "u1")
	require.Equal(t, "alice", roster.Online[0].Username)

	bob := env.dial(t, "u2", "bob")
	testhelpers.WaitForRoster(t, alice, "u1", "u2")
	testhelpers.WaitForRoster(t, bob, "u1", "u2")

	testhelpers.SendJSON(t, alice, map[string]string{"recipient": "u2", "text": "hi bob"})
	got := testhelpers.ReadDelivery(t, bob)
	require.Equal(t, "hi bob", got.Text)
	require.Equal(t, "u1", got.Sender)
	require.Equal(t, "u2", got.Recipient)
	require.NotEmpty(t, got.ID)

	testhelpers.SendJSON(t, bob, map[string]any{"recipient": "u1", "text": "hey alice"})
	require.Equal(t, "hey alice", testhelpers.ReadDelivery(t, alice).Text)

	require.NoError(t, testhelpers.CloseNormally(bob))
	testhelpers.WaitForRoster(t, alice, "u1")

	history, err := env.messages.Query(t.Context(), "u2", "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "hi bob", history[0].Text)
	require.Equal(t, "hey alice", history[1].Text)
	require.Equal(t, got.ID, history[0].ID)
}

// slowStore delays every append, standing in for a store under load.
type slowStore struct {
	store.MessageStore
	delay time.Duration
}

func (s slowStore) Append(ctx context.Context, sender, recipient, text string) (store.Message, error) {
	time.Sleep(s.delay)
	return s.MessageStore.Append(ctx, sender, recipient, text)
}

func TestQueuedFramesPersistAfterClose(t *testing.T) {
	tests := []struct {
		name   string
		frames int
		delay  time.Duration
	}{
		{name: "close behind a slow store", frames: 3, delay: 100 * time.Millisecond},
		{name: "more frames than the queue holds", frames: 40, delay: 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memory := store.NewMemoryStore()
			env := newTestEnvWithStore(t, slowStore{MessageStore: memory, delay: tt.delay}, func(cfg *server.Config) {
				cfg.RateLimit = server.RateLimitConfig{Burst: 100, RefillInterval: time.Second}
			})

			alice := env.dial(t, "u1", "alice")
			testhelpers.WaitForRoster(t, alice, "u1")

			for i := range tt.frames {
				testhelpers.SendJSON(t, alice, map[string]string{"recipient": "u2", "text": fmt.Sprintf("msg %d", i)})
			}
			require.NoError(t, testhelpers.CloseNormally(alice))

			var history []store.Message
			require.Eventually(t, func() bool {
				var err error
				history, err = memory.Query(context.Background(), "u1", "u2")
				return err == nil && len(history) == tt.frames
			}, 5*time.Second, 20*time.Millisecond)

			for i, msg := range history {
				require.Equal(t, fmt.Sprintf("msg %d", i), msg.Text, "per-connection order is kept")
			}
		})
	}
}

func TestAnonymousConnection(t *testing.T) {
	env := newTestEnv(t, nil)

	anon := env.dial(t, "", "")
	testhelpers.WaitForRoster(t, anon)

	alice := env.dial(t, "u1", "alice")
	testhelpers.WaitForRoster(t, anon, "u1")
	testhelpers.WaitForRoster(t, alice, "u1")

	testhelpers.SendJSON(t, anon, map[string]string{"recipient": "u1", "text": "who am i"})
	testhelpers.ExpectNoDelivery(t, alice, 300*time.Millisecond)

	history, err := env.messages.Query(t.Context(), "", "u1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestInvalidTokenConnectsAnonymously(t *testing.T) {
	env := newTestEnv(t, nil)

	forged, err := auth.NewIssuer([]byte("other-secret")).Issue(auth.Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	conn := testhelpers.Dial(t, env.wsURL, testhelpers.DialOptions{Token: forged})
	testhelpers.WaitForRoster(t, conn)
}

func TestMultipleSessionsPerUser(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "u1", "alice")
	aliceTab := env.dial(t, "u1", "alice")
	testhelpers.WaitForRoster(t, alice, "u1", "u1")
	testhelpers.WaitForRoster(t, aliceTab, "u1", "u1")

	bob := env.dial(t, "u2", "bob")
	testhelpers.WaitForRoster(t, alice, "u1", "u1", "u2")
	testhelpers.WaitForRoster(t, aliceTab, "u1", "u1", "u2")
	testhelpers.WaitForRoster(t, bob, "u1", "u1", "u2")

	testhelpers.SendJSON(t, bob, map[string]string{"recipient": "u1", "text": "both tabs"})
	require.Equal(t, "both tabs", testhelpers.ReadDelivery(t, alice).Text)
	require.Equal(t, "both tabs", testhelpers.ReadDelivery(t, aliceTab).Text)

	testhelpers.SendJSON(t, alice, map[string]string{"recipient": "u2", "text": "from one tab"})
	require.Equal(t, "from one tab", testhelpers.ReadDelivery(t, bob).Text)
	testhelpers.ExpectNoDelivery(t, aliceTab, 300*time.Millisecond)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "u1", "alice")
	bob := env.dial(t, "u2", "bob")
	testhelpers.WaitForRoster(t, alice, "u1", "u2")
	testhelpers.WaitForRoster(t, bob, "u1", "u2")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	testhelpers.SendJSON(t, alice, map[string]string{"text": "no recipient"})
	testhelpers.SendJSON(t, alice, map[string]string{"recipient": "u2", "text": "still connected"})

	require.Equal(t, "still connected", testhelpers.ReadDelivery(t, bob).Text)
}

func TestUnresponsiveClientIsEvicted(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.Heartbeat = server.HeartbeatConfig{Interval: 100 * time.Millisecond, Timeout: 50 * time.Millisecond}
	})

	silent := testhelpers.Dial(t, env.wsURL, testhelpers.DialOptions{
		Token:       env.token(t, "u3", "carol"),
		IgnorePings: true,
	})

	require.NoError(t, silent.SetReadDeadline(time.Now().Add(2*time.Second)))
	var readErr error
	for readErr == nil {
		_, _, readErr = silent.ReadMessage()
	}
	var netErr net.Error
	require.False(t, errors.As(readErr, &netErr) && netErr.Timeout(), "server should drop the silent client")

	alice := env.dial(t, "u1", "alice")
	testhelpers.WaitForRoster(t, alice, "u1")
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) { cfg.MaxMessageSize = 64 })

	alice := env.dial(t, "u1", "alice")
	bob := env.dial(t, "u2", "bob")
	testhelpers.WaitForRoster(t, bob, "u1", "u2")

	big := strings.Repeat("x", 256)
	testhelpers.SendJSON(t, alice, map[string]string{"recipient": "u2", "text": big})

	testhelpers.WaitForRoster(t, bob, "u2")
}

func TestRateLimitDiscardsExcessFrames(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})

	alice := env.dial(t, "u1", "alice")
	bob := env.dial(t, "u2", "bob")
	testhelpers.WaitForRoster(t, alice, "u1", "u2")
	testhelpers.WaitForRoster(t, bob, "u1", "u2")

	for _, text := range []string{"one", "two", "three", "four"} {
		testhelpers.SendJSON(t, alice, map[string]string{"recipient": "u2", "text": text})
	}

	require.Equal(t, "one", testhelpers.ReadDelivery(t, bob).Text)
	require.Equal(t, "two", testhelpers.ReadDelivery(t, bob).Text)
	testhelpers.ExpectNoDelivery(t, bob, 300*time.Millisecond)
}

func TestDisallowedOriginRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, resp, err := testhelpers.TryDial(env.wsURL, testhelpers.DialOptions{Origin: "http://evil.example"})
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketRequiresGet(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.http.Client().Post(env.http.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Contains(t, string(body), "running")
}

func TestProfileEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, "/profile", env.token(t, "u1", "alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"userId":"u1","username":"alice"}`, string(body))

	resp, _ = env.get(t, "/profile", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.get(t, "/profile", "garbage")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := t.Context()

	_, err := env.messages.Append(ctx, "u1", "u2", "first")
	require.NoError(t, err)
	_, err = env.messages.Append(ctx, "u2", "u1", "second")
	require.NoError(t, err)
	_, err = env.messages.Append(ctx, "u1", "u3", "elsewhere")
	require.NoError(t, err)

	resp, body := env.get(t, "/messages/u1", env.token(t, "u2", "bob"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []store.Message
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 2)
	require.Equal(t, "first", history[0].Text)
	require.Equal(t, "second", history[1].Text)

	resp, body = env.get(t, "/messages/u9", env.token(t, "u2", "bob"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `[]`, string(body))

	resp, _ = env.get(t, "/messages/u1", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t, "u1", "alice")
	testhelpers.WaitForRoster(t, alice, "u1")

	require.NoError(t, env.srv.Shutdown(nil, 2*time.Second))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := alice.ReadMessage()
		if err != nil {
			break
		}
	}
	require.Zero(t, env.srv.Hub().Registry().Len())
}
