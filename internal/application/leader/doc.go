// Package leader elects the single active orchestrator replica.
//
// Replicas compete for a named lease; the holder drives the execution
// engine and all queue and graph mutations, while the rest serve
// read-only queries. The lease is renewed on an interval shorter than
// its TTL, and any renewal failure causes immediate self-demotion, so
// two replicas never both believe they lead long enough to dispatch
// the same task.
package leader
