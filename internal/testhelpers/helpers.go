// Package testhelpers provides websocket and HTTP utilities shared by the
// chat server tests.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultOrigin is the Origin header test dialers send.
const DefaultOrigin = "http://localhost:5173"

// Peer is one entry of a roster frame.
type Peer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Roster is the presence frame the server broadcasts.
type Roster struct {
	Online []Peer `json:"online"`
}

// UserIDs lists the user ids in roster order.
func (r Roster) UserIDs() []string {
	ids := make([]string, 0, len(r.Online))
	for _, p := range r.Online {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Delivery is a relayed message frame.
type Delivery struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	ID        string `json:"id"`
}

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// DialOptions tweaks how Dial connects.
type DialOptions struct {
	Token      string
	CookieName string
	Origin     string
	// IgnorePings stops the client from answering pings.
	IgnorePings bool
}

// Dial opens a websocket to url and closes it when the test ends.
func Dial(t *testing.T, url string, opts DialOptions) *websocket.Conn {
	t.Helper()
	conn, resp, err := TryDial(url, opts)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err, "dial %s", url)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// TryDial is Dial without the test plumbing, for handshakes expected to fail.
func TryDial(url string, opts DialOptions) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	origin := opts.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	headers := http.Header{}
	headers.Set("Origin", origin)
	if opts.Token != "" {
		name := opts.CookieName
		if name == "" {
			name = "token"
		}
		headers.Set("Cookie", (&http.Cookie{Name: name, Value: opts.Token}).String())
	}

	conn, resp, err := dialer.Dial(url, headers)
	if err != nil {
		return nil, resp, err
	}
	if opts.IgnorePings {
		conn.SetPingHandler(func(string) error { return nil })
	}
	return conn, resp, nil
}

// ReadFrame reads the next text frame within timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

// ReadRoster reads frames until a roster arrives.
func ReadRoster(t *testing.T, conn *websocket.Conn) Roster {
	t.Helper()
	for {
		data := ReadFrame(t, conn, 2*time.Second)
		if !strings.Contains(string(data), `"online"`) {
			continue
		}
		var r Roster
		require.NoError(t, json.Unmarshal(data, &r))
		return r
	}
}

// WaitForRoster reads rosters until one lists exactly want, in order.
func WaitForRoster(t *testing.T, conn *websocket.Conn, want ...string) Roster {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r := ReadRoster(t, conn)
		if slices.Equal(r.UserIDs(), want) {
			return r
		}
	}
	t.Fatalf("no roster listing %v before deadline", want)
	return Roster{}
}

// ReadDelivery reads frames, skipping rosters, until a message arrives.
func ReadDelivery(t *testing.T, conn *websocket.Conn) Delivery {
	t.Helper()
	for {
		data := ReadFrame(t, conn, 2*time.Second)
		if strings.Contains(string(data), `"online"`) {
			continue
		}
		var d Delivery
		require.NoError(t, json.Unmarshal(data, &d))
		return d
	}
}

// ExpectNoDelivery fails if a message frame arrives within wait. Roster
// frames are ignored. The read deadline leaves conn unreadable afterwards.
func ExpectNoDelivery(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			t.Fatalf("unexpected read error: %v", err)
		}
		if !strings.Contains(string(data), `"online"`) {
			t.Fatalf("unexpected message: %s", data)
		}
	}
}

// SendJSON writes v as a text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// CloseNormally sends a close frame and closes the socket.
func CloseNormally(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
