package fsm

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/SwitchForge/store"
	"github.com/itskum47/SwitchForge/timeout"
)

// ActionOutcome records how a user action run went.
type ActionOutcome int

const (
	// OutcomeNone means no action was defined.
	OutcomeNone ActionOutcome = iota
	// OutcomeExecuted means the action ran and returned nil.
	OutcomeExecuted
	// OutcomeFailed means the action returned an error or panicked.
	OutcomeFailed
)

func (o ActionOutcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeExecuted:
		return "executed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FireResult classifies what one Fire call did.
type FireResult int

const (
	// FireTransitioned: the event moved the machine to a new state.
	FireTransitioned FireResult = iota
	// FireStayed: a stay action handled the event in place.
	FireStayed
	// FireIgnored: no transition and no stay action for the tag.
	FireIgnored
	// FireStaleTimeout: a timeout event whose source state was already left.
	FireStaleTimeout
	// FireComplete: the machine is terminal; the event was dropped.
	FireComplete
	// FireNotStarted: the machine has not entered its initial state yet.
	FireNotStarted
)

// SaveMode tells the persistence hook how urgent a save is.
type SaveMode int

const (
	// SaveAsync queues the save; per-id ordering is preserved by the queue.
	SaveAsync SaveMode = iota
	// SaveSync requires the save to be durable before the transition
	// completes (offline parking, final states, shutdown).
	SaveSync
)

// TransitionNotice describes one completed transition, delivered to the
// transition hook after the new state is fully entered.
type TransitionNotice struct {
	MachineID    string
	OldState     string
	NewState     string
	EventTag     string
	Event        Event
	EntryOutcome ActionOutcome
	Duration     time.Duration
	When         time.Time
	// TimeoutIn is the state timeout armed on entry, zero when the new
	// state has none.
	TimeoutIn time.Duration
	Final     bool
	Offline   bool
	PC        PersistentContext
	VC        any
}

// IgnoredNotice describes an event that found neither a transition nor a
// stay action in the current state.
type IgnoredNotice struct {
	MachineID string
	State     string
	Tag       string
	PC        PersistentContext
	VC        any
}

// Hooks wires a machine to its surroundings. The registry installs these at
// registration; a zero Hooks value gives a standalone machine that neither
// persists nor notifies. Hooks are invoked on the machine's own execution
// context with the machine lock held.
type Hooks struct {
	Save       func(snap *store.Snapshot, mode SaveMode)
	Transition func(n TransitionNotice)
	Ignored    func(n IgnoredNotice)
	Evict      func(id string, offline bool)
}

// Machine is a runtime instance of a Definition. A machine is a
// single-writer domain: Start, Fire and RestoreState serialize on an
// internal mutex, so at most one event is in the transition procedure at a
// time.
type Machine struct {
	def   *Definition
	id    string
	sched *timeout.Scheduler
	hooks Hooks

	mu      sync.Mutex
	pc      PersistentContext
	vc      any
	current string
	started bool
	pending *timeout.Handle
	dirty   bool

	ignored   atomic.Uint64
	lastEvent atomic.Int64 // unix nanos of the last accepted event
}

// NewMachine materializes a machine from a template. pc must be non-nil; its
// machine id is forced to id.
func NewMachine(def *Definition, id string, pc PersistentContext, vc any, sched *timeout.Scheduler) (*Machine, error) {
	if def == nil {
		return nil, fmt.Errorf("fsm: nil definition")
	}
	if id == "" {
		return nil, fmt.Errorf("fsm: empty machine id")
	}
	if pc == nil {
		return nil, fmt.Errorf("fsm: nil persistent context")
	}
	if sched == nil {
		return nil, fmt.Errorf("fsm: nil scheduler")
	}
	pc.SetMachineID(id)
	return &Machine{def: def, id: id, pc: pc, vc: vc, sched: sched}, nil
}

// SetHooks installs the machine's callbacks. Must be called before Start or
// RestoreState.
func (m *Machine) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// ID returns the machine id.
func (m *Machine) ID() string { return m.id }

// Definition returns the machine's template.
func (m *Machine) Definition() *Definition { return m.def }

// CurrentState returns the current state name, or "" before Start.
func (m *Machine) CurrentState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsComplete reports whether the machine reached a final state.
func (m *Machine) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc.IsComplete()
}

// PersistentContext returns the machine's persistent context.
func (m *Machine) PersistentContext() PersistentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc
}

// VolatileContext returns the machine's volatile context.
func (m *Machine) VolatileContext() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vc
}

// SetVolatileContext replaces the volatile context. Used on rehydration,
// where the volatile context is rebuilt from scratch.
func (m *Machine) SetVolatileContext(vc any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vc = vc
}

// MarkDirty requests a persistence save after the current stay action
// completes. No-op outside a stay action.
func (m *Machine) MarkDirty() { m.dirty = true }

// IgnoredEvents returns how many events found neither a transition nor a
// stay action.
func (m *Machine) IgnoredEvents() uint64 { return m.ignored.Load() }

// LastEventAt returns when the machine last accepted an event. The zero time
// means no event was ever accepted.
func (m *Machine) LastEventAt() time.Time {
	n := m.lastEvent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Snapshot builds a persistence snapshot of the machine's current
// persistent context.
func (m *Machine) Snapshot() *store.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() *store.Snapshot {
	data, err := json.Marshal(m.pc)
	if err != nil {
		log.Printf("fsm: machine %s: marshal persistent context: %v", m.id, err)
		data = nil
	}
	return &store.Snapshot{
		ID:              m.id,
		CurrentState:    m.pc.State(),
		LastStateChange: m.pc.StateChangedAt(),
		Complete:        m.pc.IsComplete(),
		Data:            data,
	}
}

// Start enters the initial state: entry action, timeout arming, save,
// transition notice. Legal only once, from the uninitialized pseudo-state.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if m.pc.IsComplete() {
		return ErrMachineComplete
	}
	m.started = true
	m.lastEvent.Store(m.sched.Now().UnixNano())
	m.transitionLocked(m.def.initial, nil, time.Time{})
	return nil
}

// Stop cancels any pending timeout. The machine keeps its state and can be
// snapshotted afterwards; it is used on eviction and shutdown.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.sched.Cancel(m.pending)
		m.pending = nil
	}
}

// RestoreState rehydrates the machine at the given state without running its
// entry action (unless the template opted into EntryOnRestore), then
// performs timeout catch-up: a timeout that expired while the machine was
// offline fires immediately as the first transition; an unexpired one is
// re-armed for the remaining duration.
func (m *Machine) RestoreState(state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if m.pc.IsComplete() {
		return ErrMachineComplete
	}
	def, ok := m.def.states[state]
	if !ok {
		return fmt.Errorf("%w: %q in template %q", ErrUnknownState, state, m.def.name)
	}

	m.started = true
	m.lastEvent.Store(m.sched.Now().UnixNano())
	m.current = state
	m.pc.SetState(state)

	if m.def.entryOnRestore && def.Entry != nil {
		m.runAction("entry", state, def.Entry)
	}

	if def.Timeout == nil {
		return nil
	}
	elapsed := m.sched.Now().Sub(m.pc.StateChangedAt())
	if elapsed > def.Timeout.Duration {
		// The timeout came due while the machine was offline. Catch up
		// deterministically: the synthetic timeout is the first transition
		// after rehydration.
		m.transitionLocked(def.Timeout.Target, &TimeoutEvent{Source: state, Target: def.Timeout.Target}, time.Time{})
		return nil
	}
	m.armTimeoutLocked(def, def.Timeout.Duration-elapsed)
	return nil
}

// Fire processes one event through the transition table of the current
// state. Transitions win over stay actions for the same tag; events with
// neither are counted and reported as ignored.
func (m *Machine) Fire(e Event) FireResult {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return FireNotStarted
	}
	if m.pc.IsComplete() {
		return FireComplete
	}

	if te, ok := e.(*TimeoutEvent); ok {
		if te.Source != m.current {
			return FireStaleTimeout
		}
		m.lastEvent.Store(m.sched.Now().UnixNano())
		m.transitionLocked(te.Target, e, start)
		return FireTransitioned
	}

	m.lastEvent.Store(m.sched.Now().UnixNano())
	tag := e.Tag()
	def := m.def.states[m.current]

	if target, ok := def.Transitions[tag]; ok {
		m.transitionLocked(target, e, start)
		return FireTransitioned
	}

	if stay, ok := def.Stays[tag]; ok {
		m.dirty = false
		m.runStay(def.Name, stay, e)
		if m.dirty {
			m.dirty = false
			if m.hooks.Save != nil {
				m.hooks.Save(m.snapshotLocked(), SaveAsync)
			}
		}
		return FireStayed
	}

	m.ignored.Add(1)
	if m.hooks.Ignored != nil {
		m.hooks.Ignored(IgnoredNotice{MachineID: m.id, State: m.current, Tag: tag, PC: m.pc, VC: m.vc})
	}
	return FireIgnored
}

// transitionLocked runs the transition procedure into target. ev is nil for
// the initial entry on Start. started must hold and the caller must hold
// m.mu.
func (m *Machine) transitionLocked(target string, ev Event, began time.Time) {
	if began.IsZero() {
		began = time.Now()
	}
	old := m.current
	next := m.def.states[target]

	// 1. Cancel the old state's pending timeout before anything else so a
	// concurrent fire is guaranteed stale.
	if m.pending != nil {
		m.sched.Cancel(m.pending)
		m.pending = nil
	}

	// 2. Exit the old state. Failures are logged, never fatal.
	if old != "" {
		if def := m.def.states[old]; def.Exit != nil {
			m.runAction("exit", old, def.Exit)
		}
	}

	// 3. Swap the state. Actions from here on observe the new state.
	m.current = target
	m.pc.SetState(target)
	m.pc.SetStateChangedAt(m.sched.Now())

	// 4. Enter the new state.
	entryOutcome := OutcomeNone
	if next.Entry != nil {
		if m.runAction("entry", target, next.Entry) {
			entryOutcome = OutcomeExecuted
		} else {
			entryOutcome = OutcomeFailed
		}
	}

	// 5. Arm the new state's timeout. Terminal and parking states are about
	// to leave the active set, so arming would only produce stale fires.
	var armed time.Duration
	if next.Timeout != nil && !next.Final && !next.Offline {
		armed = next.Timeout.Duration
		m.armTimeoutLocked(next, armed)
	}

	// 6. Final states complete the machine.
	if next.Final {
		m.pc.SetComplete(true)
	}

	// 8. Persist. Offline parking and completion must be durable before the
	// machine leaves the active set; ordinary transitions ride the async
	// save queue.
	if m.hooks.Save != nil {
		mode := SaveAsync
		if next.Final || next.Offline {
			mode = SaveSync
		}
		m.hooks.Save(m.snapshotLocked(), mode)
	}

	// 9. Notify.
	if m.hooks.Transition != nil {
		tag := ""
		if ev != nil {
			tag = ev.Tag()
		}
		m.hooks.Transition(TransitionNotice{
			MachineID:    m.id,
			OldState:     old,
			NewState:     target,
			EventTag:     tag,
			Event:        ev,
			EntryOutcome: entryOutcome,
			Duration:     time.Since(began),
			When:         m.pc.StateChangedAt(),
			TimeoutIn:    armed,
			Final:        next.Final,
			Offline:      next.Offline,
			PC:           m.pc,
			VC:           m.vc,
		})
	}

	// 6/7. Request eviction last, once the context is persisted and
	// observers have seen the transition.
	if (next.Final || next.Offline) && m.hooks.Evict != nil {
		m.hooks.Evict(m.id, next.Offline)
	}
}

func (m *Machine) armTimeoutLocked(def *StateDef, delay time.Duration) {
	source := def.Name
	target := def.Timeout.Target
	h, err := m.sched.Schedule(delay, func() {
		// The source check in Fire drops this if the state was left in the
		// meantime.
		m.Fire(&TimeoutEvent{Source: source, Target: target})
	})
	if err != nil {
		log.Printf("fsm: machine %s: arming timeout in state %s: %v", m.id, source, err)
		return
	}
	m.pending = h
}

// runAction invokes an entry or exit action, converting errors and panics
// into UserActionFailed log lines. Returns true on success.
func (m *Machine) runAction(hook, state string, fn Action) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			uaf := &UserActionFailed{MachineID: m.id, State: state, Hook: hook, Err: fmt.Errorf("panic: %v", r)}
			log.Printf("%v", uaf)
		}
	}()
	if err := fn(m); err != nil {
		uaf := &UserActionFailed{MachineID: m.id, State: state, Hook: hook, Err: err}
		log.Printf("%v", uaf)
		return false
	}
	return true
}

func (m *Machine) runStay(state string, fn StayAction, e Event) {
	defer func() {
		if r := recover(); r != nil {
			uaf := &UserActionFailed{MachineID: m.id, State: state, Hook: "stay", Err: fmt.Errorf("panic: %v", r)}
			log.Printf("%v", uaf)
		}
	}()
	if err := fn(m, e); err != nil {
		uaf := &UserActionFailed{MachineID: m.id, State: state, Hook: "stay", Err: err}
		log.Printf("%v", uaf)
	}
}
