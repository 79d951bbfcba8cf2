package fsm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/SwitchForge/store"
	"github.com/itskum47/SwitchForge/timeout"
)

type callContext struct {
	BaseContext
	From string `json:"from"`
}

type callVolatile struct {
	RingCount int
}

// callTemplate builds the ring/answer/hangup flow used across the engine
// tests, with timeouts scaled down to keep the suite fast.
func callTemplate(t *testing.T, ringTimeout time.Duration) *Definition {
	t.Helper()
	b := NewBuilder("call", "IDLE")
	b.State("IDLE").On("INCOMING_CALL", "RINGING")
	b.State("RINGING").
		Timeout(ringTimeout, "IDLE").
		On("ANSWER", "CONNECTED").
		Stay("SESSION_PROGRESS", func(m *Machine, e Event) error {
			m.VolatileContext().(*callVolatile).RingCount++
			return nil
		})
	b.State("CONNECTED").On("HANGUP", "DONE")
	b.State("DONE").Final()
	b.State("PARKED").Offline()
	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return def
}

type hookRecorder struct {
	mu          sync.Mutex
	transitions []TransitionNotice
	saves       []*store.Snapshot
	saveModes   []SaveMode
	ignored     []string
	evicted     []string
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		Save: func(snap *store.Snapshot, mode SaveMode) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.saves = append(r.saves, snap)
			r.saveModes = append(r.saveModes, mode)
		},
		Transition: func(n TransitionNotice) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, n)
		},
		Ignored: func(n IgnoredNotice) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ignored = append(r.ignored, n.Tag)
		},
		Evict: func(id string, offline bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.evicted = append(r.evicted, id)
		},
	}
}

func (r *hookRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.transitions))
	for i, n := range r.transitions {
		out[i] = n.NewState
	}
	return out
}

func newTestMachine(t *testing.T, def *Definition, sched *timeout.Scheduler, rec *hookRecorder) *Machine {
	t.Helper()
	m, err := NewMachine(def, "c1", &callContext{}, &callVolatile{}, sched)
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	if rec != nil {
		m.SetHooks(rec.hooks())
	}
	return m
}

func TestStartEntersInitialState(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	rec := &hookRecorder{}
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, rec)

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.CurrentState() != "IDLE" {
		t.Errorf("state = %q, want IDLE", m.CurrentState())
	}
	if err := m.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if got := rec.states(); len(got) != 1 || got[0] != "IDLE" {
		t.Errorf("transitions = %v, want [IDLE]", got)
	}
}

func TestDeterministicTransitions(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	rec := &hookRecorder{}
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, rec)
	m.Start()

	if res := m.Fire(NewEvent("INCOMING_CALL", nil)); res != FireTransitioned {
		t.Fatalf("Fire = %v, want FireTransitioned", res)
	}
	if m.CurrentState() != "RINGING" {
		t.Errorf("state = %q, want RINGING", m.CurrentState())
	}
	if res := m.Fire(NewEvent("ANSWER", nil)); res != FireTransitioned {
		t.Fatalf("Fire = %v, want FireTransitioned", res)
	}
	if m.CurrentState() != "CONNECTED" {
		t.Errorf("state = %q, want CONNECTED", m.CurrentState())
	}
}

func TestFireBeforeStart(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, nil)

	if res := m.Fire(NewEvent("INCOMING_CALL", nil)); res != FireNotStarted {
		t.Errorf("Fire = %v, want FireNotStarted", res)
	}
}

func TestIgnoredEventCounted(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	rec := &hookRecorder{}
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, rec)
	m.Start()

	if res := m.Fire(NewEvent("HANGUP", nil)); res != FireIgnored {
		t.Fatalf("Fire = %v, want FireIgnored", res)
	}
	if m.IgnoredEvents() != 1 {
		t.Errorf("IgnoredEvents = %d, want 1", m.IgnoredEvents())
	}
	if len(rec.ignored) != 1 || rec.ignored[0] != "HANGUP" {
		t.Errorf("ignored hook saw %v", rec.ignored)
	}
	if m.CurrentState() != "IDLE" {
		t.Errorf("ignored event changed state to %q", m.CurrentState())
	}
}

func TestStayActionDoesNotTouchStateOrTimestamp(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	rec := &hookRecorder{}
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, rec)
	m.Start()
	m.Fire(NewEvent("INCOMING_CALL", nil))

	changedAt := m.PersistentContext().StateChangedAt()
	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if res := m.Fire(NewEvent("SESSION_PROGRESS", nil)); res != FireStayed {
			t.Fatalf("Fire = %v, want FireStayed", res)
		}
	}

	if m.CurrentState() != "RINGING" {
		t.Errorf("stay action changed state to %q", m.CurrentState())
	}
	if !m.PersistentContext().StateChangedAt().Equal(changedAt) {
		t.Error("stay action altered LastStateChange")
	}
	if got := m.VolatileContext().(*callVolatile).RingCount; got != 3 {
		t.Errorf("RingCount = %d, want 3", got)
	}

	m.Fire(NewEvent("ANSWER", nil))
	if m.CurrentState() != "CONNECTED" {
		t.Errorf("state = %q, want CONNECTED", m.CurrentState())
	}
}

func TestStaySaveOnlyWhenDirty(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	b := NewBuilder("t", "A")
	b.State("A").
		Stay("NOP", func(m *Machine, e Event) error { return nil }).
		Stay("MUT", func(m *Machine, e Event) error {
			m.PersistentContext().(*callContext).From = "updated"
			m.MarkDirty()
			return nil
		})
	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	rec := &hookRecorder{}
	m := newTestMachine(t, def, sched, rec)
	m.Start()

	base := len(rec.saves) // the save from Start

	m.Fire(NewEvent("NOP", nil))
	if len(rec.saves) != base {
		t.Errorf("stay without MarkDirty issued a save")
	}

	m.Fire(NewEvent("MUT", nil))
	if len(rec.saves) != base+1 {
		t.Errorf("stay with MarkDirty did not issue a save")
	}
}

func TestTransitionShadowsStay(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	stayRan := false
	b := NewBuilder("t", "A")
	b.State("A").
		On("GO", "B").
		Stay("GO", func(m *Machine, e Event) error { stayRan = true; return nil })
	b.State("B")
	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	m := newTestMachine(t, def, sched, nil)
	m.Start()
	if res := m.Fire(NewEvent("GO", nil)); res != FireTransitioned {
		t.Fatalf("Fire = %v, want FireTransitioned", res)
	}
	if stayRan {
		t.Error("stay action ran despite a transition on the same tag")
	}
}

func TestTimeoutFires(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	rec := &hookRecorder{}
	m := newTestMachine(t, callTemplate(t, 30*time.Millisecond), sched, rec)
	m.Start()
	m.Fire(NewEvent("INCOMING_CALL", nil))

	deadline := time.Now().Add(time.Second)
	for m.CurrentState() != "IDLE" {
		if time.Now().After(deadline) {
			t.Fatalf("timeout never fired, still in %q", m.CurrentState())
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.mu.Lock()
	last := rec.transitions[len(rec.transitions)-1]
	rec.mu.Unlock()
	if last.EventTag != TagTimeout {
		t.Errorf("last transition tag = %q, want TIMEOUT", last.EventTag)
	}
	te, ok := last.Event.(*TimeoutEvent)
	if !ok || te.Source != "RINGING" {
		t.Errorf("timeout event = %+v, want source RINGING", last.Event)
	}
}

func TestTimeoutCancelledByTransition(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	m := newTestMachine(t, callTemplate(t, 40*time.Millisecond), sched, nil)
	m.Start()
	m.Fire(NewEvent("INCOMING_CALL", nil))
	m.Fire(NewEvent("ANSWER", nil))

	time.Sleep(100 * time.Millisecond)
	if m.CurrentState() != "CONNECTED" {
		t.Errorf("cancelled timeout still fired: state %q", m.CurrentState())
	}
}

func TestSingleArmedTimeout(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, nil)
	m.Start()

	if sched.Pending() != 0 {
		t.Errorf("IDLE declares no timeout but %d are pending", sched.Pending())
	}
	m.Fire(NewEvent("INCOMING_CALL", nil))
	if sched.Pending() != 1 {
		t.Errorf("RINGING should have exactly 1 pending timeout, got %d", sched.Pending())
	}
	m.Fire(NewEvent("ANSWER", nil))
	if sched.Pending() != 0 {
		t.Errorf("CONNECTED declares no timeout but %d are pending", sched.Pending())
	}
}

func TestStaleTimeoutDropped(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, nil)
	m.Start()
	m.Fire(NewEvent("INCOMING_CALL", nil))
	m.Fire(NewEvent("ANSWER", nil))

	if res := m.Fire(&TimeoutEvent{Source: "RINGING", Target: "IDLE"}); res != FireStaleTimeout {
		t.Errorf("Fire = %v, want FireStaleTimeout", res)
	}
	if m.CurrentState() != "CONNECTED" {
		t.Errorf("stale timeout moved the machine to %q", m.CurrentState())
	}
}

func TestFinalStateCompletesAndEvicts(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	rec := &hookRecorder{}
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, rec)
	m.Start()
	m.Fire(NewEvent("INCOMING_CALL", nil))
	m.Fire(NewEvent("ANSWER", nil))
	m.Fire(NewEvent("HANGUP", nil))

	if !m.IsComplete() {
		t.Error("machine not complete after final state")
	}
	if len(rec.evicted) != 1 {
		t.Errorf("evict hook called %d times, want 1", len(rec.evicted))
	}
	rec.mu.Lock()
	lastMode := rec.saveModes[len(rec.saveModes)-1]
	lastSnap := rec.saves[len(rec.saves)-1]
	rec.mu.Unlock()
	if lastMode != SaveSync {
		t.Error("final save was not synchronous")
	}
	if !lastSnap.Complete {
		t.Error("final snapshot not marked complete")
	}

	if res := m.Fire(NewEvent("INCOMING_CALL", nil)); res != FireComplete {
		t.Errorf("Fire on complete machine = %v, want FireComplete", res)
	}
}

func TestOfflineStateEvictsWithoutCompleting(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	b := NewBuilder("t", "A")
	b.State("A").On("PARK", "PARKED")
	b.State("PARKED").Offline()
	def, _ := b.Build()

	rec := &hookRecorder{}
	m := newTestMachine(t, def, sched, rec)
	m.Start()
	m.Fire(NewEvent("PARK", nil))

	if m.IsComplete() {
		t.Error("offline state completed the machine")
	}
	if len(rec.evicted) != 1 {
		t.Errorf("evict hook called %d times, want 1", len(rec.evicted))
	}
	rec.mu.Lock()
	lastMode := rec.saveModes[len(rec.saveModes)-1]
	rec.mu.Unlock()
	if lastMode != SaveSync {
		t.Error("offline save was not synchronous")
	}
}

func TestActionFailureDoesNotAbortTransition(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	b := NewBuilder("t", "A")
	b.State("A").
		OnExit(func(m *Machine) error { return errors.New("exit boom") }).
		On("GO", "B")
	b.State("B").OnEntry(func(m *Machine) error { panic("entry boom") })
	def, _ := b.Build()

	rec := &hookRecorder{}
	m := newTestMachine(t, def, sched, rec)
	m.Start()

	if res := m.Fire(NewEvent("GO", nil)); res != FireTransitioned {
		t.Fatalf("Fire = %v, want FireTransitioned", res)
	}
	if m.CurrentState() != "B" {
		t.Errorf("state = %q, want B", m.CurrentState())
	}
	rec.mu.Lock()
	last := rec.transitions[len(rec.transitions)-1]
	rec.mu.Unlock()
	if last.EntryOutcome != OutcomeFailed {
		t.Errorf("entry outcome = %v, want failed", last.EntryOutcome)
	}
}

func TestActionsObserveNewState(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	var exitSaw, entrySaw string
	b := NewBuilder("t", "A")
	b.State("A").
		OnExit(func(m *Machine) error { exitSaw = m.PersistentContext().State(); return nil }).
		On("GO", "B")
	b.State("B").OnEntry(func(m *Machine) error { entrySaw = m.PersistentContext().State(); return nil })
	def, _ := b.Build()

	m := newTestMachine(t, def, sched, nil)
	m.Start()
	m.Fire(NewEvent("GO", nil))

	if exitSaw != "A" {
		t.Errorf("exit action saw state %q, want A (before swap)", exitSaw)
	}
	if entrySaw != "B" {
		t.Errorf("entry action saw state %q, want B (after swap)", entrySaw)
	}
}

func TestRestoreStateSkipsEntry(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	entries := 0
	b := NewBuilder("t", "A")
	b.State("A").On("GO", "B")
	b.State("B").OnEntry(func(m *Machine) error { entries++; return nil })
	def, _ := b.Build()

	pc := &callContext{}
	pc.SetState("B")
	pc.SetStateChangedAt(time.Now())
	m, err := NewMachine(def, "c1", pc, &callVolatile{}, sched)
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	if err := m.RestoreState("B"); err != nil {
		t.Fatalf("RestoreState failed: %v", err)
	}
	if entries != 0 {
		t.Errorf("entry action ran %d times on restore, want 0", entries)
	}
	if m.CurrentState() != "B" {
		t.Errorf("state = %q, want B", m.CurrentState())
	}
}

func TestRestoreStateEntryOptIn(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	entries := 0
	b := NewBuilder("t", "A").EntryOnRestore()
	b.State("A").OnEntry(func(m *Machine) error { entries++; return nil })
	def, _ := b.Build()

	pc := &callContext{}
	pc.SetState("A")
	pc.SetStateChangedAt(time.Now())
	m, _ := NewMachine(def, "c1", pc, nil, sched)
	m.RestoreState("A")
	if entries != 1 {
		t.Errorf("entry action ran %d times with EntryOnRestore, want 1", entries)
	}
}

func TestRestoreStateCatchUpExpiredTimeout(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	rec := &hookRecorder{}

	def := callTemplate(t, 30*time.Millisecond)
	pc := &callContext{}
	pc.SetState("RINGING")
	pc.SetStateChangedAt(time.Now().Add(-45 * time.Millisecond))

	m, _ := NewMachine(def, "c1", pc, &callVolatile{}, sched)
	m.SetHooks(rec.hooks())
	if err := m.RestoreState("RINGING"); err != nil {
		t.Fatalf("RestoreState failed: %v", err)
	}

	if m.CurrentState() != "IDLE" {
		t.Errorf("state after catch-up = %q, want IDLE", m.CurrentState())
	}
	if m.IsComplete() {
		t.Error("catch-up completed the machine")
	}
	got := rec.states()
	if len(got) != 1 || got[0] != "IDLE" {
		t.Errorf("transitions after restore = %v, want [IDLE]", got)
	}
}

func TestRestoreStateReArmsRemainingTimeout(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	def := callTemplate(t, 100*time.Millisecond)
	pc := &callContext{}
	pc.SetState("RINGING")
	pc.SetStateChangedAt(time.Now().Add(-60 * time.Millisecond))

	m, _ := NewMachine(def, "c1", pc, &callVolatile{}, sched)
	if err := m.RestoreState("RINGING"); err != nil {
		t.Fatalf("RestoreState failed: %v", err)
	}
	if m.CurrentState() != "RINGING" {
		t.Fatalf("unexpired timeout fired immediately")
	}

	// The remaining ~40ms must elapse before the timeout fires.
	deadline := time.Now().Add(time.Second)
	for m.CurrentState() != "IDLE" {
		if time.Now().After(deadline) {
			t.Fatal("re-armed timeout never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRestoreUnknownState(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()
	m := newTestMachine(t, callTemplate(t, time.Hour), sched, nil)
	if err := m.RestoreState("NOPE"); !errors.Is(err, ErrUnknownState) {
		t.Errorf("RestoreState = %v, want ErrUnknownState", err)
	}
}

func TestRestoreCompleteMachineRefused(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	pc := &callContext{}
	pc.SetState("DONE")
	pc.SetComplete(true)
	m, _ := NewMachine(callTemplate(t, time.Hour), "c1", pc, nil, sched)
	if err := m.RestoreState("DONE"); !errors.Is(err, ErrMachineComplete) {
		t.Errorf("RestoreState = %v, want ErrMachineComplete", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	sched := timeout.NewScheduler()
	defer sched.Stop()

	pc := &callContext{From: "+1-555-1"}
	m, _ := NewMachine(callTemplate(t, time.Hour), "c7", pc, nil, sched)
	m.Start()

	snap := m.Snapshot()
	if snap.ID != "c7" || snap.CurrentState != "IDLE" || snap.Complete {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Data == nil {
		t.Fatal("snapshot has no user payload")
	}
}
