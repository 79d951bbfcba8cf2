package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	when := time.Now().UTC().Truncate(time.Millisecond)
	snap := &Snapshot{
		ID:              "call-1",
		CurrentState:    "RINGING",
		LastStateChange: when,
		Complete:        false,
		Data:            json.RawMessage(`{"from":"+1-555-1"}`),
	}
	if err := s.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx, "call-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil for existing id")
	}
	if got.ID != snap.ID || got.CurrentState != snap.CurrentState || got.Complete != snap.Complete {
		t.Errorf("round-trip mismatch: got %+v want %+v", got, snap)
	}
	if !got.LastStateChange.Equal(when) {
		t.Errorf("LastStateChange mismatch: got %v want %v", got.LastStateChange, when)
	}
	if string(got.Data) != string(snap.Data) {
		t.Errorf("Data mismatch: got %s want %s", got.Data, snap.Data)
	}
}

func TestMemoryStoreLoadAbsent(t *testing.T) {
	s := NewMemoryStore()
	got, err := s.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent id, got %+v", got)
	}
}

func TestMemoryStoreSaveIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap := &Snapshot{ID: "m1", CurrentState: "A", LastStateChange: time.Now()}
	s.Save(ctx, snap)

	// Mutating the caller's snapshot after Save must not leak into the store.
	snap.CurrentState = "B"

	got, _ := s.Load(ctx, "m1")
	if got.CurrentState != "A" {
		t.Errorf("store shares memory with caller: got state %q", got.CurrentState)
	}
}

func TestMemoryStoreTransitionLog(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "a"} {
		s.AppendTransition(ctx, &TransitionRecord{
			MachineID: id,
			OldState:  "X",
			NewState:  "Y",
			EventTag:  "E",
			Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	recs, err := s.RecentTransitions(ctx, "a", 10)
	if err != nil {
		t.Fatalf("RecentTransitions failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for machine a, got %d", len(recs))
	}

	all, _ := s.RecentTransitions(ctx, "", 2)
	if len(all) != 2 {
		t.Errorf("limit not honored: got %d records", len(all))
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Op: "save", Retryable: true, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("Error does not unwrap to inner error")
	}

	var se *Error
	if !errors.As(error(err), &se) || !se.Retryable {
		t.Error("errors.As failed to recover *Error")
	}
}
