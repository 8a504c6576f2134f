package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const welcomeFrame = `{"type":"system","message":"Connected to chat server"}`

type testRelay struct {
	srv *Server
	ts  *httptest.Server
}

func newTestRelay(t *testing.T, customize func(cfg *Config)) *testRelay {
	t.Helper()
	cfg := NewConfig()
	cfg.PingInterval = 0
	cfg.SendTimeout = 2 * time.Second
	if customize != nil {
		customize(cfg)
	}

	srv := New(cfg, discardLogger())
	ts := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testRelay{srv: srv, ts: ts}
}

func (r *testRelay) url(path string) string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + path
}

func (r *testRelay) dial(t *testing.T, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(r.url(path), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// connect dials /ws and consumes the welcome frame.
func (r *testRelay) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := r.dial(t, "/ws", nil)
	require.NoError(t, err)
	require.JSONEq(t, welcomeFrame, readFrame(t, conn))
	return conn
}

// join connects, joins as name, and consumes the resulting join echo.
func (r *testRelay) join(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	conn := r.connect(t)
	send(t, conn, `{"type":"join","username":"`+name+`"}`)
	frame := readFrame(t, conn)
	require.Contains(t, frame, `"username":"`+name+`"`)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// readUntilClosed drains frames until the connection fails and returns that error.
func readUntilClosed(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func TestServer_WelcomeOnRootPath(t *testing.T) {
	relay := newTestRelay(t, nil)

	conn, _, err := relay.dial(t, "/", nil)
	require.NoError(t, err)
	assert.JSONEq(t, welcomeFrame, readFrame(t, conn))
}

func TestServer_JoinThenMessage(t *testing.T) {
	relay := newTestRelay(t, nil)

	alice := relay.connect(t)
	send(t, alice, `{"type":"join","username":"Alice"}`)
	assert.JSONEq(t, `{"type":"join","username":"Alice","users":["Alice"]}`, readFrame(t, alice))

	carol := relay.connect(t)
	send(t, carol, `{"type":"join","username":"Carol"}`)
	wantJoin := `{"type":"join","username":"Carol","users":["Alice","Carol"]}`
	assert.JSONEq(t, wantJoin, readFrame(t, alice))
	assert.JSONEq(t, wantJoin, readFrame(t, carol))

	send(t, alice, `{"type":"message","message":"hello","timestamp":123}`)
	wantMsg := `{"type":"message","username":"Alice","message":"hello","timestamp":123}`
	assert.JSONEq(t, wantMsg, readFrame(t, alice))
	assert.JSONEq(t, wantMsg, readFrame(t, carol))
}

func TestServer_MessageBeforeJoinIsIgnored(t *testing.T) {
	relay := newTestRelay(t, nil)

	alice := relay.join(t, "Alice")
	bob := relay.connect(t)

	send(t, bob, `{"type":"message","message":"anyone?"}`)
	send(t, bob, `{"type":"join","username":"Bob"}`)

	// The next thing Alice sees is Bob's join; the earlier message was dropped.
	assert.JSONEq(t, `{"type":"join","username":"Bob","users":["Alice","Bob"]}`, readFrame(t, alice))
}

func TestServer_DisconnectBroadcastsLeave(t *testing.T) {
	relay := newTestRelay(t, nil)

	alice := relay.join(t, "Alice")
	bob := relay.join(t, "Bob")
	readFrame(t, alice) // Bob's join

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = bob.Close()

	assert.JSONEq(t, `{"type":"leave","username":"Bob","users":["Alice"]}`, readFrame(t, alice))
	assert.Eventually(t, func() bool { return relay.srv.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_MalformedFrameKeepsConnection(t *testing.T) {
	relay := newTestRelay(t, nil)

	alice := relay.join(t, "Alice")
	send(t, alice, `{not json`)
	send(t, alice, `{"type":"message"}`)
	send(t, alice, `{"type":"message","message":"still here"}`)

	assert.JSONEq(t, `{"type":"message","username":"Alice","message":"still here","timestamp":""}`, readFrame(t, alice))
}

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	relay := newTestRelay(t, func(cfg *Config) { cfg.MaxMessageSize = 64 })

	alice := relay.join(t, "Alice")
	bob := relay.join(t, "Bob")
	readFrame(t, alice) // Bob's join

	send(t, bob, `{"type":"message","message":"`+strings.Repeat("x", 256)+`"}`)

	err := readUntilClosed(t, bob)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "unexpected error: %v", err)
	assert.JSONEq(t, `{"type":"leave","username":"Bob","users":["Alice"]}`, readFrame(t, alice))
}

func TestServer_RejectsDisallowedOrigin(t *testing.T) {
	relay := newTestRelay(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"http://allowed.example"} })

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := relay.dial(t, "/ws", header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://allowed.example")
	conn, _, err := relay.dial(t, "/ws", header)
	require.NoError(t, err)
	assert.JSONEq(t, welcomeFrame, readFrame(t, conn))
}

func TestServer_Shutdown(t *testing.T) {
	relay := newTestRelay(t, nil)

	alice := relay.join(t, "Alice")
	bob := relay.join(t, "Bob")
	readFrame(t, alice) // Bob's join

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, relay.srv.Shutdown(ctx))

	for _, conn := range []*websocket.Conn{alice, bob} {
		err := readUntilClosed(t, conn)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
	}
	assert.Equal(t, 0, relay.srv.registry.Len())
	assert.Empty(t, relay.srv.registry.Snapshot())

	_, resp, err := relay.dial(t, "/ws", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// collect reads frames from conn on its own goroutine until the connection
// closes. A gorilla client only answers pings while it is reading.
func collect(conn *websocket.Conn) <-chan string {
	frames := make(chan string, 512)
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
	}()
	return frames
}

// awaitFrame returns the first frame containing substr.
func awaitFrame(t *testing.T, frames <-chan string, substr string) string {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-frames:
			require.True(t, ok, "connection closed while waiting for %s", substr)
			if strings.Contains(frame, substr) {
				return frame
			}
		case <-timeout:
			t.Fatalf("no frame containing %s", substr)
			return ""
		}
	}
}

func TestServer_Keepalive(t *testing.T) {
	relay := newTestRelay(t, func(cfg *Config) {
		cfg.PingInterval = 100 * time.Millisecond
		cfg.PongTimeout = 150 * time.Millisecond
	})

	alice := relay.join(t, "Alice")
	relay.join(t, "Bob")
	aliceFrames := collect(alice)

	// Bob never reads again, so his pongs stop and the read deadline expires.
	leave := awaitFrame(t, aliceFrames, `"type":"leave"`)
	assert.JSONEq(t, `{"type":"leave","username":"Bob","users":["Alice"]}`, leave)

	// Alice keeps answering pings across several more intervals.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 1, relay.srv.registry.Len())
	assert.Equal(t, []string{"Alice"}, relay.srv.registry.Snapshot())

	send(t, alice, `{"type":"message","message":"still here"}`)
	msg := awaitFrame(t, aliceFrames, `"type":"message"`)
	assert.JSONEq(t, `{"type":"message","username":"Alice","message":"still here","timestamp":""}`, msg)

	// Draining what is left shows the leave was not repeated.
	require.NoError(t, alice.Close())
	for frame := range aliceFrames {
		assert.NotContains(t, frame, `"type":"leave"`)
	}
}

func TestServer_PeerThatNeverReadsIsIsolated(t *testing.T) {
	relay := newTestRelay(t, func(cfg *Config) { cfg.SendTimeout = 100 * time.Millisecond })

	alice := relay.join(t, "Alice")
	relay.join(t, "Bob") // never read again
	aliceFrames := collect(alice)
	awaitFrame(t, aliceFrames, `"username":"Bob"`)

	const messages = 400
	payload := strings.Repeat("x", 64<<10)
	start := time.Now()
	for i := 0; i < messages; i++ {
		send(t, alice, `{"type":"message","message":"`+payload+`"}`)
	}

	received, sawLeave := 0, false
	timeout := time.After(10 * time.Second)
	for received < messages || !sawLeave {
		select {
		case frame, ok := <-aliceFrames:
			require.True(t, ok, "alice was disconnected")
			switch {
			case strings.Contains(frame, `"type":"message"`):
				received++
			case strings.Contains(frame, `"type":"leave"`):
				assert.JSONEq(t, `{"type":"leave","username":"Bob","users":["Alice"]}`, frame)
				sawLeave = true
			}
		case <-timeout:
			t.Fatalf("received %d/%d messages, leave seen: %v", received, messages, sawLeave)
		}
	}

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, relay.srv.registry.Len())
}
