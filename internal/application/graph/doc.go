// Package graph plans and tracks task dependencies within a workflow.
//
// Plan validates a definition's dependency edges, rejecting cycles
// before any task instance exists, and computes each task's depth for
// queue prioritization. Graph tracks runtime readiness: successes
// unblock dependents, permanent failures cancel the downstream
// subgraph, and settlement is reached once every task is terminal.
//
// Graphs are leader-local and rebuilt from the instance store on
// takeover; the orchestrator serializes all access per workflow.
package graph
