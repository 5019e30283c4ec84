// Package engine drives task execution on the leader replica.
//
// The dispatch loop pops ready tasks from the durable queue, picks a
// capable agent, and hands the payload over with a fresh assignment
// epoch. Timeouts and reported failures consume attempts; tasks retry
// with exponential backoff until their budget runs out, then fail
// permanently. Every revocation bumps the epoch, so late results from
// slow, partitioned, or superseded agents are rejected rather than
// applied twice.
//
// The engine persists every transition before acting on it, which lets
// a newly elected leader rebuild timers and queue contents from the
// instance store alone.
package engine
