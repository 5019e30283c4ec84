// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/workflows/:id/events to receive that
// workflow's lifecycle events in causal order.
package websocket
