package domain

import (
	"encoding/json"
	"time"
)

// StateEntry is one versioned value in the shared workflow state.
// Writes are optimistic: a write is accepted only when its expected
// version equals the current version plus one.
type StateEntry struct {
	WorkflowID string          `json:"workflow_id"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Version    int64           `json:"version"`
	LastWriter string          `json:"last_writer"`

	// Clock is the writer-supplied logical clock used by the
	// last-writer-wins conflict policy.
	Clock         int64     `json:"clock"`
	UpdatedAt     time.Time `json:"updated_at"`
	SchemaVersion int       `json:"schema_version"`
}
