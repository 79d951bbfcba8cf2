package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the persistent context record for one machine. The four fixed
// fields are what the runtime itself needs to rehydrate a machine; Data
// carries the user-defined remainder of the persistent context as JSON and
// round-trips through the port untouched.
type Snapshot struct {
	ID              string          `json:"id" db:"id"`
	CurrentState    string          `json:"current_state" db:"current_state"`
	LastStateChange time.Time       `json:"last_state_change" db:"last_state_change"`
	Complete        bool            `json:"complete" db:"complete"`
	Data            json.RawMessage `json:"data,omitempty" db:"data"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Data != nil {
		c.Data = append(json.RawMessage(nil), s.Data...)
	}
	return &c
}

// TransitionRecord is one entry of the snapshot-debug log: a single state
// change with its surrounding context, appended per transition when the
// registry runs with SnapshotDebug enabled.
type TransitionRecord struct {
	MachineID  string          `json:"machine_id"`
	OldState   string          `json:"old_state"`
	NewState   string          `json:"new_state"`
	EventTag   string          `json:"event_tag"`
	Context    json.RawMessage `json:"context,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Error wraps a backend failure. Retryable tells the caller whether the same
// operation may succeed later (connection trouble) or is permanent (bad
// data, schema mismatch).
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s failed (retryable=%t): %v", e.Op, e.Retryable, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
