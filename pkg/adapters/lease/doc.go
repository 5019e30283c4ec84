// Package lease provides distributed lease implementations backing
// leader election.
//
// Implementations:
//   - redis: SET NX with token-compare renew and release scripts
//   - memory: In-memory with TTL expiry, for tests and single-node runs
package lease
