// Package chat implements the relay core: the registry of open connections
// and their display names, the router that fans events out to every peer,
// and the per-connection session that turns inbound frames into join,
// message and leave broadcasts.
//
// The package is transport agnostic. Anything that satisfies Conn can be
// served; internal/server adapts gorilla WebSocket connections.
package chat
