// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups, one stream per topic
//   - memory: In-memory with ordered per-subscriber delivery, for tests
package events
