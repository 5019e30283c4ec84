// Package state arbitrates concurrent writes to shared workflow state.
//
// The manager wraps the versioned state store with per-workflow
// conflict policies: last-writer-wins by logical clock, field merge
// for JSON objects, or outright rejection. Every applied write emits a
// StateChanged event on the workflow topic so agents react to shared
// state without polling.
//
// State is the one surface agents write concurrently; correctness
// rests on the store's compare-and-set, not on leader exclusivity.
package state
