// Package queue provides durable task queue implementations.
//
// Implementations:
//   - redis: sorted set ordered by priority score, FIFO within a score
//   - memory: container/heap, for tests and single-node runs
package queue
