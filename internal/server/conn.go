// Package server adapts gorilla WebSocket connections onto the chat
// connection contract, handling keepalive pings, deadlines, and close
// classification for each connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// writeWait bounds control frames and sends whose context carries no deadline.
const writeWait = 10 * time.Second

// wsConn is one accepted WebSocket connection. Reads happen only on the
// session goroutine; sends may come from any broadcasting session and are
// serialized through writeSem, since gorilla allows a single writer.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	remote string
	logger *slog.Logger

	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration

	writeSem  chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ chat.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, remote string, cfg Config, logger *slog.Logger) *wsConn {
	id := uuid.NewString()
	c := &wsConn{
		id:             id,
		ws:             ws,
		remote:         remote,
		logger:         logger.With("conn", id, "remote", remote),
		maxMessageSize: cfg.MaxMessageSize,
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		writeSem:       make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	ws.SetReadLimit(cfg.MaxMessageSize)
	c.setupReadDeadline()
	return c
}

func (c *wsConn) ID() string { return c.id }

// ReadFrame blocks until the next data frame arrives. Any error is final:
// the connection is marked closed and the session should end.
func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		c.markClosed()
		return nil, err
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.markClosed()
		return nil, err
	}
	c.extendReadDeadline()
	return data, nil
}

// Send writes frame as a single text message. A failed write leaves the
// gorilla connection unusable, so the transport is closed and the owning
// session ends on its next read.
func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return chat.ErrConnClosed
	}

	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", c.id, ctx.Err())
	}
	defer func() { <-c.writeSem }()

	if c.closed.Load() {
		return chat.ErrConnClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("send to %s: %w", c.id, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.markClosed()
		c.closeTransport()
		return fmt.Errorf("send to %s: %w", c.id, err)
	}
	return nil
}

// Close sends a close frame with code and text, then closes the transport.
// Safe to call more than once and concurrently with Send.
func (c *wsConn) Close(code int, text string) {
	if !c.markClosed() {
		return
	}
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("Failed to write close frame", "error", err)
		}
	}
	c.closeTransport()
}

// release closes the transport once the session has finished with it.
func (c *wsConn) release() {
	c.markClosed()
	c.closeTransport()
}

// markClosed reports whether this call performed the transition.
func (c *wsConn) markClosed() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		close(c.done)
	})
	return first
}

func (c *wsConn) closeTransport() {
	if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Error closing connection", "error", err)
	}
}

// setupReadDeadline arms the read deadline and the pong handler that renews
// it. Without pings there is no deadline: an idle peer stays connected.
func (c *wsConn) setupReadDeadline() {
	if c.pingInterval <= 0 {
		return
	}
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

func (c *wsConn) extendReadDeadline() {
	if c.pingInterval <= 0 {
		return
	}
	if err := c.ws.SetReadDeadline(time.Now().Add(c.pingInterval + c.pongTimeout)); err != nil {
		c.logger.Debug("Error setting read deadline", "error", err)
	}
}

// keepalive pings the peer every pingInterval until the connection closes.
func (c *wsConn) keepalive() {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !isExpectedCloseError(err) {
					c.logger.Debug("Error writing ping", "error", err)
				}
				return
			}
		}
	}
}

// logSessionEnd records why the session's read loop stopped.
func (c *wsConn) logSessionEnd(err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Frame exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.Canceled), isExpectedCloseError(err):
		c.logger.Info("Connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err):
		c.logger.Warn("Unexpected close from client", "error", err)
	default:
		c.logger.Warn("WebSocket read error", "error", err)
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
