package chat

import "errors"

var (
	// ErrNotRegistered is returned when a binding is requested for a
	// connection that is not in the open set.
	ErrNotRegistered = errors.New("chat: connection not registered")

	// ErrConnClosed is returned by Conn implementations once the
	// connection has started closing.
	ErrConnClosed = errors.New("chat: connection closed")

	// ErrMalformedFrame marks a frame that is not a JSON object.
	ErrMalformedFrame = errors.New("chat: malformed frame")

	// ErrMissingField marks a frame without a field its type requires.
	ErrMissingField = errors.New("chat: missing required field")
)
