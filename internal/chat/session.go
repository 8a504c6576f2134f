package chat

import (
	"context"
	"fmt"
	"log/slog"
)

const maxLoggedFrame = 128

// Handler runs the session for each accepted connection: register, welcome,
// receive loop, and the teardown that always follows it.
type Handler struct {
	registry *Registry
	router   *Router
	logger   *slog.Logger
}

// NewHandler creates a Handler that records connections in registry and
// publishes through router.
func NewHandler(registry *Registry, router *Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		router:   router,
		logger:   logger,
	}
}

// Serve runs the session for conn until its transport fails or closes and
// returns that error. Frame level problems are logged and never end the
// session. On every exit path the connection is unbound and unregistered,
// and a joined connection produces exactly one leave broadcast.
func (h *Handler) Serve(ctx context.Context, conn Conn) error {
	log := h.logger.With("conn", conn.ID())

	h.registry.Register(conn)
	defer h.teardown(context.WithoutCancel(ctx), conn, log)
	log.Info("New connection established")

	if err := h.router.Unicast(ctx, conn, SystemEvent(WelcomeText)); err != nil {
		log.Warn("Failed to send welcome", "error", err)
		return err
	}

	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		h.handleFrame(ctx, conn, data, log)
	}
}

func (h *Handler) handleFrame(ctx context.Context, conn Conn, data []byte, log *slog.Logger) {
	frame, err := DecodeFrame(data)
	if err != nil {
		log.Error("Invalid JSON received", "frame", preview(data), "error", err)
		return
	}

	switch EventType(frame.Type) {
	case TypeJoin:
		err = h.handleJoin(ctx, conn, frame, log)
	case TypeMessage:
		err = h.handleMessage(ctx, conn, frame, log)
	default:
		log.Warn("Unknown message type", "type", frame.Type)
		return
	}
	if err != nil {
		log.Warn("Dropped frame", "type", frame.Type, "error", err)
	}
}

func (h *Handler) handleJoin(ctx context.Context, conn Conn, frame Frame, log *slog.Logger) error {
	if frame.Username == nil {
		return fmt.Errorf("join: %w: username", ErrMissingField)
	}
	username := *frame.Username

	users, err := h.registry.Bind(conn, username)
	if err != nil {
		return err
	}
	h.router.Broadcast(ctx, JoinEvent(username, users))
	log.Info("User joined the chat", "username", username)
	return nil
}

func (h *Handler) handleMessage(ctx context.Context, conn Conn, frame Frame, log *slog.Logger) error {
	username, ok := h.registry.Username(conn)
	if !ok {
		return nil
	}
	if frame.Message == nil {
		return fmt.Errorf("message: %w: message", ErrMissingField)
	}

	h.router.Broadcast(ctx, MessageEvent(username, *frame.Message, frame.Timestamp))
	log.Info("Message received", "username", username, "message", *frame.Message)
	return nil
}

func (h *Handler) teardown(ctx context.Context, conn Conn, log *slog.Logger) {
	username, joined := h.registry.Unbind(conn)
	h.registry.Unregister(conn)

	if !joined {
		log.Info("Connection released")
		return
	}
	h.router.Broadcast(ctx, LeaveEvent(username, h.registry.Snapshot()))
	log.Info("User left the chat", "username", username)
}

func preview(data []byte) string {
	if len(data) <= maxLoggedFrame {
		return string(data)
	}
	return string(data[:maxLoggedFrame]) + "..."
}
