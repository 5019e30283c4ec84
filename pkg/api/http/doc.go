// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Workflow submission, status, and cancellation
//   - Versioned shared state reads and writes
//   - Agent registration, heartbeats, and task reporting
//   - Health checks and Prometheus metrics
//
// Write endpoints are gated on leadership; followers answer 503 with a
// NOT_LEADER code so clients retry against the leader.
package http
