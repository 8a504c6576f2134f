// Package server implements the HTTP and WebSocket side of the chat relay.
//
// The implementation is organized into specialized files for configuration,
// origin checks, the per-connection WebSocket adapter, routing, and HTTP
// handlers. Chat semantics live in internal/chat; this package only moves
// frames between gorilla connections and chat sessions.
package server
