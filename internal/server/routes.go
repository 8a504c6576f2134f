// Package server wires HTTP handlers into a ServeMux for the chat relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes returns a ServeMux with the WebSocket endpoints at "/" and
// "/ws", the health check, and the test page.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.RootHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/test", s.TestPageHandler)
	return mux
}
