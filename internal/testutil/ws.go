// Package testutil provides WebSocket client helpers shared by package tests.
//
// Reads on a gorilla connection cannot resume after a deadline expires, so
// negative assertions ("no event arrives") should either be the last read on a
// connection (ExpectNone) or be proven with an ordering sentinel: emit a later
// event that is delivered to everyone and check it arrives first.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultOrigin is the origin sent by Dial; it is allowed by the default config.
const DefaultOrigin = "http://localhost:8080"

// DefaultTimeout bounds every expectation read.
const DefaultTimeout = 2 * time.Second

// Event is a decoded outbound frame.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(t testing.TB, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Data, v), "decode %s payload %s", e.Event, string(e.Data))
}

// WebSocketURL converts an httptest server URL into the ws:// URL of path.
func WebSocketURL(t testing.TB, serverURL, path string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = path
	return u.String()
}

// DialResult carries the connection and handshake response of a dial attempt.
type DialResult struct {
	Conn     *websocket.Conn
	Response *http.Response
	Err      error
}

// TryDial dials wsURL without failing the test, for rejection assertions.
func TryDial(wsURL string, header http.Header) DialResult {
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", DefaultOrigin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, header)
	return DialResult{Conn: conn, Response: resp, Err: err}
}

// Dial opens a connection and closes it when the test ends.
func Dial(t testing.TB, wsURL string, header http.Header) *websocket.Conn {
	t.Helper()
	res := TryDial(wsURL, header)
	if res.Response != nil && res.Response.Body != nil {
		_ = res.Response.Body.Close()
	}
	require.NoError(t, res.Err, "dial %s", wsURL)
	t.Cleanup(func() { _ = res.Conn.Close() })
	return res.Conn
}

// DialWithToken dials with the session token in the Authorization header.
func DialWithToken(t testing.TB, wsURL, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return Dial(t, wsURL, header)
}

// Emit sends one event frame.
func Emit(t testing.TB, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame := map[string]any{"event": event}
	if data != nil {
		frame["data"] = data
	}
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(DefaultTimeout)))
	require.NoError(t, conn.WriteJSON(frame))
}

// Next reads the next event frame.
func Next(t testing.TB, conn *websocket.Conn, timeout time.Duration) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var ev Event
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "waiting for next event")
	require.NoError(t, json.Unmarshal(raw, &ev), "frame %s", string(raw))
	return ev
}

// ExpectEvent reads the next frame and requires it to be event.
func ExpectEvent(t testing.TB, conn *websocket.Conn, event string) Event {
	t.Helper()
	ev := Next(t, conn, DefaultTimeout)
	require.Equal(t, event, ev.Event, "unexpected event with payload %s", string(ev.Data))
	return ev
}

// Register emits register with a display name and waits for the confirmation.
func Register(t testing.TB, conn *websocket.Conn, displayName string) Event {
	t.Helper()
	Emit(t, conn, "register", displayName)
	return ExpectEvent(t, conn, "registered")
}

// ExpectNone requires that nothing arrives within wait. The connection must
// not be read again afterwards.
func ExpectNone(t testing.TB, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "expected no event, received %s", string(raw))
}

// CloseNormally sends a normal close frame and closes the connection.
func CloseNormally(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}
