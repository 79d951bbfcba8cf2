package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/SwitchForge/fsm"
	"github.com/itskum47/SwitchForge/store"
)

// End-to-end flows through the full stack: registry, engine, scheduler and
// memory store, with timeouts scaled down to milliseconds.

func waitForState(t *testing.T, m *fsm.Machine, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.CurrentState() != want {
		if time.Now().After(deadline) {
			t.Fatalf("machine %s stuck in %q, want %q", m.ID(), m.CurrentState(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScenarioCallLifecycle(t *testing.T) {
	e := newEnv(t, testConfig())
	def := callTemplate(t, time.Hour)
	e.reg.AddTrigger("INCOMING_CALL", callFactory(def))

	e.reg.SendEvent("call-1", fsm.NewEvent("INCOMING_CALL", nil))
	m, _ := e.reg.Machine("call-1")

	// Progress updates are handled in place.
	for i := 0; i < 3; i++ {
		if out := e.reg.SendEvent("call-1", fsm.NewEvent("SESSION_PROGRESS", nil)); !out.Accepted() {
			t.Fatalf("SESSION_PROGRESS %d = %+v, want accepted", i, out)
		}
	}
	if m.CurrentState() != "RINGING" {
		t.Fatalf("state = %q, want RINGING after stays", m.CurrentState())
	}
	if rc := m.VolatileContext().(*callVolatile).RingCount; rc != 3 {
		t.Errorf("RingCount = %d, want 3", rc)
	}

	e.reg.SendEvent("call-1", fsm.NewEvent("ANSWER", nil))
	e.reg.SendEvent("call-1", fsm.NewEvent("HANGUP", nil))

	if e.reg.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 after the call ended", e.reg.ActiveCount())
	}
	snap, _ := e.mem.Load(nil, "call-1")
	if snap == nil || !snap.Complete {
		t.Errorf("call not persisted as complete: %+v", snap)
	}
}

func TestScenarioRingTimeoutExpires(t *testing.T) {
	e := newEnv(t, testConfig())
	def := callTemplate(t, 30*time.Millisecond)
	lis := &recordingListener{}
	e.reg.AddListener(lis)
	e.reg.AddTrigger("INCOMING_CALL", callFactory(def))

	e.reg.SendEvent("call-1", fsm.NewEvent("INCOMING_CALL", nil))
	m, _ := e.reg.Machine("call-1")
	waitForState(t, m, "IDLE")

	// The transition notice trails the state swap by a hair; wait for it.
	want := []string{"IDLE", "RINGING", "IDLE"}
	deadline := time.Now().Add(time.Second)
	got := lis.stateTrajectory()
	for len(got) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		got = lis.stateTrajectory()
	}
	if len(got) != len(want) {
		t.Fatalf("trajectory = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("trajectory = %v, want %v", got, want)
		}
	}
}

func TestScenarioAnswerBeatsTimeout(t *testing.T) {
	e := newEnv(t, testConfig())
	def := callTemplate(t, 50*time.Millisecond)
	e.reg.AddTrigger("INCOMING_CALL", callFactory(def))

	e.reg.SendEvent("call-1", fsm.NewEvent("INCOMING_CALL", nil))
	e.reg.SendEvent("call-1", fsm.NewEvent("ANSWER", nil))
	m, _ := e.reg.Machine("call-1")
	if m.CurrentState() != "CONNECTED" {
		t.Fatalf("state = %q, want CONNECTED", m.CurrentState())
	}

	// The RINGING timeout was cancelled; the machine must still be
	// CONNECTED well past the ring deadline.
	time.Sleep(120 * time.Millisecond)
	if m.CurrentState() != "CONNECTED" {
		t.Errorf("state = %q after ring deadline, want CONNECTED", m.CurrentState())
	}
	if e.sched.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", e.sched.Pending())
	}
}

func TestScenarioRehydrationCatchUp(t *testing.T) {
	e := newEnv(t, testConfig())
	def := callTemplate(t, 30*time.Millisecond)

	// A machine persisted mid-RINGING whose ring deadline passed while it
	// was offline. 45ms elapsed against a 30ms timeout.
	e.mem.Save(nil, &store.Snapshot{
		ID:              "call-9",
		CurrentState:    "RINGING",
		LastStateChange: time.Now().Add(-45 * time.Millisecond),
		Data:            []byte(`{"from":"+1-555-0199"}`),
	})

	m, err := e.reg.CreateOrGet("call-9", callFactory(def))
	if err != nil {
		t.Fatalf("CreateOrGet failed: %v", err)
	}

	// Catch-up fires the expired timeout during restore: the first state
	// anyone observes is IDLE, and the machine is live, not complete.
	if m.CurrentState() != "IDLE" {
		t.Errorf("state = %q, want IDLE after catch-up", m.CurrentState())
	}
	if m.IsComplete() {
		t.Error("machine should not be complete")
	}
	if pc := m.PersistentContext().(*callContext); pc.From != "+1-555-0199" {
		t.Errorf("From = %q, user fields were not restored", pc.From)
	}
}

func TestScenarioRehydrationRemainingTimeout(t *testing.T) {
	e := newEnv(t, testConfig())
	def := callTemplate(t, 80*time.Millisecond)

	// 20ms of an 80ms ring window consumed before going offline.
	e.mem.Save(nil, &store.Snapshot{
		ID:              "call-9",
		CurrentState:    "RINGING",
		LastStateChange: time.Now().Add(-20 * time.Millisecond),
	})

	m, err := e.reg.CreateOrGet("call-9", callFactory(def))
	if err != nil {
		t.Fatalf("CreateOrGet failed: %v", err)
	}
	if m.CurrentState() != "RINGING" {
		t.Fatalf("state = %q, want RINGING (deadline not yet passed)", m.CurrentState())
	}

	// The rearmed timeout covers only the remaining window.
	waitForState(t, m, "IDLE")
}

func TestScenarioPerIDSaveOrdering(t *testing.T) {
	e := newEnv(t, testConfig())
	def := callTemplate(t, time.Hour)
	e.reg.AddTrigger("INCOMING_CALL", callFactory(def))

	var mu sync.Mutex
	var states []string
	e.reg.AddListener(ListenerFuncs{
		Transition: func(n fsm.TransitionNotice) {
			mu.Lock()
			states = append(states, n.NewState)
			mu.Unlock()
		},
	})

	e.reg.SendEvent("call-1", fsm.NewEvent("INCOMING_CALL", nil))
	e.reg.SendEvent("call-1", fsm.NewEvent("ANSWER", nil))
	e.reg.SendEvent("call-1", fsm.NewEvent("HANGUP", nil))

	// The final save is synchronous and rides the same FIFO queue, so once
	// HANGUP returns the store must hold the last state, not an earlier one.
	snap, _ := e.mem.Load(nil, "call-1")
	if snap == nil || snap.CurrentState != "DONE" || !snap.Complete {
		t.Fatalf("store holds %+v, want complete DONE", snap)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"IDLE", "RINGING", "CONNECTED", "DONE"}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transitions = %v, want %v", states, want)
		}
	}
}

func TestScenarioManyConcurrentCalls(t *testing.T) {
	cfg := testConfig()
	cfg.TargetTPS = 100000
	cfg.MaxEventsPerMachinePerSecond = 10000
	cfg.MaxConcurrentMachines = 500
	cfg.MachineEvictionThreshold = 499
	e := newEnv(t, cfg)
	def := callTemplate(t, time.Hour)
	e.reg.AddTrigger("INCOMING_CALL", callFactory(def))

	const calls = 200
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("call-%d", n)
			e.reg.SendEvent(id, fsm.NewEvent("INCOMING_CALL", nil))
			e.reg.SendEvent(id, fsm.NewEvent("ANSWER", nil))
			e.reg.SendEvent(id, fsm.NewEvent("HANGUP", nil))
		}(i)
	}
	wg.Wait()

	if n := e.reg.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d, want 0 after all calls completed", n)
	}
	if n := e.mem.Len(); n != calls {
		t.Errorf("store holds %d snapshots, want %d", n, calls)
	}
}
