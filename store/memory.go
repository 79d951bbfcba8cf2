package store

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in a process-local map. It implements Port and
// TransitionLog and is the backend used by tests and single-node demos.
type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   map[string]*Snapshot
	transitions []*TransitionRecord
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*Snapshot),
	}
}

// Initialize is a no-op for the in-memory backend.
func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ID] = snap.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, nil // absent, consistent with the Port contract
	}
	return snap.Clone(), nil
}

func (s *MemoryStore) Close() {}

// Delete removes a snapshot. Not part of Port; used by tests to simulate a
// lost record.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, id)
}

// Len reports the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

func (s *MemoryStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, rec)
	return nil
}

func (s *MemoryStore) RecentTransitions(ctx context.Context, machineID string, limit int) ([]*TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TransitionRecord
	for i := len(s.transitions) - 1; i >= 0 && len(out) < limit; i-- {
		if machineID == "" || s.transitions[i].MachineID == machineID {
			out = append(out, s.transitions[i])
		}
	}
	return out, nil
}
