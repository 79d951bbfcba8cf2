// Package store defines the persistence port for machine contexts and its
// backends. It abstracts over Postgres (durable), Redis (fast/ephemeral) and
// an in-memory map (tests, single-process demos).
package store

import "context"

// Port is the persistence boundary for persistent contexts, keyed by machine
// id. Load returns (nil, nil) when no record exists; terminal machines keep
// their record with Complete=true so the registry can short-circuit
// rehydration.
type Port interface {
	// Initialize performs one-time setup (schema creation, connectivity
	// checks). Safe to call on every startup.
	Initialize(ctx context.Context) error

	// Save upserts the snapshot for snap.ID.
	Save(ctx context.Context, snap *Snapshot) error

	// Load fetches the snapshot for id, or (nil, nil) if absent.
	Load(ctx context.Context, id string) (*Snapshot, error)

	// Close releases backend resources.
	Close()
}

// TransitionLog is implemented by ports that can additionally record every
// state change for offline debugging (the SnapshotDebug option).
type TransitionLog interface {
	AppendTransition(ctx context.Context, rec *TransitionRecord) error
	RecentTransitions(ctx context.Context, machineID string, limit int) ([]*TransitionRecord, error)
}
