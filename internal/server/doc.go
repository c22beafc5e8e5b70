// Package server hosts the relay behind HTTP and WebSocket endpoints.
//
// The implementation is organized into specialized files for configuration,
// origin checks, rate limiting, hub management, clients, routing, and HTTP
// handlers. A Server value owns one Hub, one presence registry and one
// relay.Relay; nothing in the package is global.
package server
