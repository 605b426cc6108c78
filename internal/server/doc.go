// Package server implements the real-time session layer of the chat service.
//
// A WebSocket connection is authenticated before the upgrade, then driven by
// a per-connection Session state machine (connecting, authenticated,
// registered, closed). Sessions record themselves in the connection registry
// and publish events through the Hub, the single fan-out point that delivers
// each event to every registered connection in the order it was queued.
//
// The package also serves the HTTP surface around the socket: health,
// session introspection, logout and Prometheus metrics.
package server
