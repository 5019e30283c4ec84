// Package storage provides instance and shared-state storage
// implementations.
//
// Implementations:
//   - redis: JSON records with retention TTLs; state writes go through a
//     server-side compare-and-set script
//   - memory: In-memory for tests and single-node runs
package storage
