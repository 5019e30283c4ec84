// Package orchestrator implements the workflow control plane.
//
// The manager coordinates workflow execution by:
//   - Validating definitions and materializing task instances
//   - Enqueueing tasks as their dependencies complete
//   - Cancelling downstream work and waking compensations on failure
//   - Deriving terminal workflow status once every task settles
//   - Rebuilding queue, graphs, and timers when this replica takes over
//     leadership
//
// All graph mutations and event publishing for one workflow happen under
// a per-workflow lock, which keeps event versions causally ordered.
package orchestrator
