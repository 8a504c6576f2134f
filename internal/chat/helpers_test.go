package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn. Frames pushed with push are returned by
// ReadFrame in order; closing the input makes ReadFrame return io.EOF.
type fakeConn struct {
	id      string
	frames  chan []byte
	sendErr error
	delay   time.Duration
	gauge   *sendGauge

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

// sendGauge records the peak number of sends in progress across conns.
type sendGauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (g *sendGauge) enter() {
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *sendGauge) exit() { g.cur.Add(-1) }

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 32)}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.frames:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Send(ctx context.Context, frame []byte) error {
	if f.gauge != nil {
		f.gauge.enter()
		defer f.gauge.exit()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeConn) push(frame string) {
	f.frames <- []byte(frame)
}

func (f *fakeConn) hangUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
}

func (f *fakeConn) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

// sentOfType decodes every frame sent to f whose type matches.
func (f *fakeConn) sentOfType(t *testing.T, typ EventType) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range f.sentFrames() {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(frame), &m))
		if m["type"] == string(typ) {
			out = append(out, m)
		}
	}
	return out
}

// waitForFrames blocks until f has received at least n frames.
func waitForFrames(t *testing.T, f *fakeConn, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.sentFrames()) >= n
	}, 2*time.Second, 5*time.Millisecond, "conn %s: expected %d frames", f.id, n)
	return f.sentFrames()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
