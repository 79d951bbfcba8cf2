// Package registry owns the active set of machines: lifecycle, event
// routing, auto-creation on trigger events, rehydration from the
// persistence port, idle eviction, and rate and capacity control.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/SwitchForge/fsm"
	"github.com/itskum47/SwitchForge/observability"
	"github.com/itskum47/SwitchForge/store"
	"github.com/itskum47/SwitchForge/timeout"
)

// loadTimeout bounds one persistence read during resolution.
const loadTimeout = 5 * time.Second

// Factory materializes machines for one template: a fresh persistent
// context (also the unmarshal target during rehydration) and a fresh
// volatile context.
type Factory struct {
	Template *fsm.Definition
	NewPC    func() fsm.PersistentContext
	NewVC    func() any
}

func (f Factory) valid() error {
	if f.Template == nil {
		return fmt.Errorf("registry: factory has no template")
	}
	if f.NewPC == nil {
		return fmt.Errorf("registry: factory has no persistent context constructor")
	}
	return nil
}

// Registry is the process-wide owner of active machines.
type Registry struct {
	cfg     Config
	port    store.Port
	sched   *timeout.Scheduler
	catalog *fsm.Catalog
	saver   *saver
	system  *rate.Limiter
	perMach *machineLimiters
	bus     listenerBus

	mu           sync.RWMutex
	machines     map[string]*fsm.Machine
	pending      map[string]struct{}
	triggers     map[string]Factory
	defaultF     *Factory
	shuttingDown bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New creates a Registry on top of a persistence port and a timeout
// scheduler. The catalog is used by the debug channel to decode injected
// events; pass a fresh one if live debug is off.
func New(cfg Config, port store.Port, sched *timeout.Scheduler, catalog *fsm.Catalog) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if port == nil {
		return nil, fmt.Errorf("registry: nil persistence port")
	}
	if sched == nil {
		return nil, fmt.Errorf("registry: nil scheduler")
	}
	if catalog == nil {
		catalog = fsm.NewCatalog()
	}

	r := &Registry{
		cfg:         cfg,
		port:        port,
		sched:       sched,
		catalog:     catalog,
		saver:       newSaver(port, cfg.SaveQueueSize),
		system:      rate.NewLimiter(rate.Limit(cfg.TargetTPS), 2*cfg.TargetTPS),
		perMach:     newMachineLimiters(float64(cfg.MaxEventsPerMachinePerSecond), cfg.MaxEventsPerMachinePerSecond),
		machines:    make(map[string]*fsm.Machine),
		pending:     make(map[string]struct{}),
		triggers:    make(map[string]Factory),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go r.runJanitor()
	return r, nil
}

// Catalog returns the registry's event catalog.
func (r *Registry) Catalog() *fsm.Catalog { return r.catalog }

// Config returns the registry's configuration.
func (r *Registry) Config() Config { return r.cfg }

// AddListener subscribes a listener to registry and machine events.
func (r *Registry) AddListener(l Listener) { r.bus.Add(l) }

// RemoveListener unsubscribes a listener.
func (r *Registry) RemoveListener(l Listener) { r.bus.Remove(l) }

// AddTrigger declares tag as a machine-creation trigger: an event with this
// tag sent to an unknown id auto-creates a machine from the factory before
// the event is delivered.
func (r *Registry) AddTrigger(tag string, f Factory) error {
	if err := f.valid(); err != nil {
		return err
	}
	if tag == fsm.TagTimeout {
		return fmt.Errorf("registry: %q cannot be a trigger", fsm.TagTimeout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.triggers[tag]; dup {
		return fmt.Errorf("registry: trigger %q already declared", tag)
	}
	r.triggers[tag] = f
	return nil
}

// SetDefaultFactory sets the factory used to rehydrate persisted machines
// reached by non-trigger events. Without it, only trigger factories can
// rehydrate.
func (r *Registry) SetDefaultFactory(f Factory) error {
	if err := f.valid(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultF = &f
	return nil
}

// ActiveCount returns the size of the active set.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// ActiveStates returns the current state of every active machine, keyed by
// id. Used by the debug channel's COMPLETE_STATUS summary.
func (r *Registry) ActiveStates() map[string]string {
	r.mu.RLock()
	ms := make([]*fsm.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		ms = append(ms, m)
	}
	r.mu.RUnlock()

	out := make(map[string]string, len(ms))
	for _, m := range ms {
		out[m.ID()] = m.CurrentState()
	}
	return out
}

// Machine returns the active machine for id, if any.
func (r *Registry) Machine(id string) (*fsm.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	return m, ok
}

// Register adds a pre-built machine to the active set, wires its callbacks,
// starts it, and notifies observers. Fails with ErrAlreadyRegistered on id
// collision and ErrCapacityFull at the machine cap.
func (r *Registry) Register(id string, m *fsm.Machine) error {
	if m == nil {
		return fmt.Errorf("registry: nil machine")
	}
	if err := r.reserve(id); err != nil {
		return err
	}

	r.wire(m)
	r.bus.notifyCreate(id)
	observability.MachineCreations.Inc()

	if err := m.Start(); err != nil {
		r.unreserve(id)
		return err
	}
	r.install(id, m)
	return nil
}

// reserve claims an id against capacity without exposing the machine yet.
func (r *Registry) reserve(id string) error {
	if id == "" {
		return fmt.Errorf("registry: empty machine id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return ErrShuttingDown
	}
	if _, ok := r.machines[id]; ok {
		return ErrAlreadyRegistered
	}
	if _, ok := r.pending[id]; ok {
		return ErrAlreadyRegistered
	}
	if len(r.machines)+len(r.pending) >= r.cfg.MaxConcurrentMachines {
		return ErrCapacityFull
	}
	r.pending[id] = struct{}{}
	return nil
}

func (r *Registry) unreserve(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// install publishes a started machine, unless starting already drove it to
// a terminal or offline state (the evict hook has then already run).
func (r *Registry) install(id string, m *fsm.Machine) {
	offline := false
	if def, ok := m.Definition().State(m.CurrentState()); ok {
		offline = def.Offline
	}
	r.mu.Lock()
	delete(r.pending, id)
	if !m.IsComplete() && !offline {
		r.machines[id] = m
	}
	n := len(r.machines)
	r.mu.Unlock()
	observability.ActiveMachines.Set(float64(n))
}

// installRestored publishes a rehydrated machine. Unlike install it accepts
// machines sitting in an offline state: rehydration only happens because an
// event is about to be delivered, and that event may move the machine out of
// the parking state.
func (r *Registry) installRestored(id string, m *fsm.Machine) {
	r.mu.Lock()
	delete(r.pending, id)
	if !m.IsComplete() {
		r.machines[id] = m
	}
	n := len(r.machines)
	r.mu.Unlock()
	observability.ActiveMachines.Set(float64(n))
}

// wire installs the registry-facing hooks on a machine.
func (r *Registry) wire(m *fsm.Machine) {
	m.SetHooks(fsm.Hooks{
		Save: func(snap *store.Snapshot, mode fsm.SaveMode) {
			if mode == fsm.SaveSync {
				if err := r.saver.saveSync(snap); err != nil {
					log.Printf("registry: synchronous save for machine %s failed: %v", snap.ID, err)
				}
				return
			}
			r.saver.enqueue(snap)
		},
		Transition: func(n fsm.TransitionNotice) {
			observability.TransitionsTotal.Inc()
			observability.TransitionDuration.Observe(n.Duration.Seconds())
			if n.EventTag == fsm.TagTimeout {
				observability.TimeoutTransitions.Inc()
			}
			r.bus.notifyTransition(n)
			r.recordTransition(n)
		},
		Ignored: func(n fsm.IgnoredNotice) {
			observability.IgnoredEvents.WithLabelValues(ReasonNoTransitionAndNoStay.String()).Inc()
			r.bus.notifyIgnored(IgnoredEvent{
				MachineID: n.MachineID,
				State:     n.State,
				Tag:       n.Tag,
				Reason:    ReasonNoTransitionAndNoStay,
				PC:        n.PC,
				VC:        n.VC,
			})
		},
		Evict: func(id string, offline bool) {
			cause := "final"
			if offline {
				cause = "offline"
			}
			r.dropFromActive(id, cause)
		},
	})
}

// recordTransition appends to the snapshot-debug log when enabled and the
// port supports it.
func (r *Registry) recordTransition(n fsm.TransitionNotice) {
	if !r.cfg.SnapshotDebug {
		return
	}
	tlog, ok := r.port.(store.TransitionLog)
	if !ok {
		return
	}
	pcJSON, err := json.Marshal(n.PC)
	if err != nil {
		pcJSON = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	rec := &store.TransitionRecord{
		MachineID:  n.MachineID,
		OldState:   n.OldState,
		NewState:   n.NewState,
		EventTag:   n.EventTag,
		Context:    pcJSON,
		DurationMS: n.Duration.Milliseconds(),
		Timestamp:  n.When,
	}
	if err := tlog.AppendTransition(ctx, rec); err != nil {
		log.Printf("registry: snapshot-debug append for machine %s failed: %v", n.MachineID, err)
	}
}

// dropFromActive removes a machine from the active set after it entered a
// final or offline state, or was idle-evicted.
func (r *Registry) dropFromActive(id, cause string) {
	r.mu.Lock()
	_, present := r.machines[id]
	if present {
		delete(r.machines, id)
	}
	n := len(r.machines)
	r.mu.Unlock()

	observability.Evictions.WithLabelValues(cause).Inc()
	observability.ActiveMachines.Set(float64(n))
	r.perMach.Forget(id)
	r.bus.notifyRemove(id)
}

// SendEvent routes one event to the machine for id. Resolution order:
// active set, then persistence (rehydrate if present and not complete),
// then auto-creation when the event's tag is a declared trigger. The
// returned Outcome encodes every expected failure mode; SendEvent does not
// error.
func (r *Registry) SendEvent(id string, e fsm.Event) Outcome {
	if e == nil || id == "" {
		return Outcome{Code: NotFound, Reason: ReasonNoSuchMachine}
	}

	r.mu.RLock()
	down := r.shuttingDown
	r.mu.RUnlock()
	if down {
		observability.EventsTotal.WithLabelValues(ShuttingDown.String()).Inc()
		return outcome(ShuttingDown)
	}

	if !r.system.Allow() {
		observability.EventsTotal.WithLabelValues(ThrottledSystem.String()).Inc()
		return outcome(ThrottledSystem)
	}

	m, out := r.resolve(id, e)
	if m == nil {
		observability.EventsTotal.WithLabelValues(out.Code.String()).Inc()
		return out
	}

	if !r.perMach.Allow(id) {
		observability.EventsTotal.WithLabelValues(ThrottledPerMachine.String()).Inc()
		return outcome(ThrottledPerMachine)
	}

	out = r.deliver(id, m, e)
	observability.EventsTotal.WithLabelValues(out.Code.String()).Inc()
	return out
}

// RouteEvent is CreateOrGet followed by delivery: the machine is resolved
// or created from the supplied factory, then receives the event.
func (r *Registry) RouteEvent(id string, e fsm.Event, f Factory) (Outcome, error) {
	m, err := r.CreateOrGet(id, f)
	if err != nil {
		return Outcome{Code: NotFound, Reason: ReasonNoSuchMachine}, err
	}
	if !r.perMach.Allow(id) {
		return outcome(ThrottledPerMachine), nil
	}
	return r.deliver(id, m, e), nil
}

// deliver fires the event and maps the engine result to an Outcome.
func (r *Registry) deliver(id string, m *fsm.Machine, e fsm.Event) Outcome {
	switch m.Fire(e) {
	case fsm.FireTransitioned, fsm.FireStayed, fsm.FireStaleTimeout:
		return accepted()
	case fsm.FireIgnored:
		// The engine already notified observers through the ignored hook.
		return ignored(ReasonNoTransitionAndNoStay)
	case fsm.FireComplete:
		// The machine completed concurrently; make sure it is gone from
		// the active set, with the same bookkeeping as any other eviction.
		r.dropFromActive(id, "final")
		r.bus.notifyIgnored(IgnoredEvent{MachineID: id, Tag: e.Tag(), Reason: ReasonMachineComplete})
		observability.IgnoredEvents.WithLabelValues(ReasonMachineComplete.String()).Inc()
		return ignored(ReasonMachineComplete)
	case fsm.FireNotStarted:
		// Registration is still in flight on another goroutine.
		return outcome(ThrottledPerMachine)
	default:
		return ignored(ReasonNone)
	}
}

// resolve finds or materializes the machine for id. Returns a nil machine
// with a final Outcome when resolution itself settles the call.
func (r *Registry) resolve(id string, e fsm.Event) (*fsm.Machine, Outcome) {
	r.mu.RLock()
	m, active := r.machines[id]
	_, inFlight := r.pending[id]
	trigger, isTrigger := r.triggers[e.Tag()]
	defaultF := r.defaultF
	r.mu.RUnlock()

	if active {
		return m, accepted()
	}
	if inFlight {
		// Creation or rehydration is racing us; the client can retry.
		return nil, outcome(ThrottledPerMachine)
	}

	// Persistence lookup. Load failures fall back to "treat as absent".
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	snap, err := r.port.Load(ctx, id)
	cancel()
	if err != nil {
		observability.SaveFailures.WithLabelValues("load").Inc()
		log.Printf("registry: load for machine %s failed, treating as absent: %v", id, err)
		snap = nil
	}

	if snap != nil {
		if snap.Complete {
			r.bus.notifyIgnored(IgnoredEvent{MachineID: id, State: snap.CurrentState, Tag: e.Tag(), Reason: ReasonInFinalState})
			observability.IgnoredEvents.WithLabelValues(ReasonInFinalState.String()).Inc()
			return nil, outcome(NotFoundFinal)
		}
		f := defaultF
		if isTrigger {
			f = &trigger
		}
		if f == nil {
			log.Printf("registry: machine %s is persisted but no factory can rehydrate it", id)
			r.bus.notifyIgnored(IgnoredEvent{MachineID: id, Tag: e.Tag(), Reason: ReasonNoSuchMachine})
			return nil, Outcome{Code: NotFound, Reason: ReasonNoSuchMachine}
		}
		m, err := r.rehydrate(id, *f, snap)
		if err != nil {
			if winner, ok := r.Machine(id); ok {
				// Another goroutine finished materializing it first.
				return winner, accepted()
			}
			log.Printf("registry: rehydration of machine %s failed: %v", id, err)
			return nil, Outcome{Code: NotFound, Reason: ReasonNoSuchMachine}
		}
		return m, accepted()
	}

	if !isTrigger {
		r.bus.notifyIgnored(IgnoredEvent{MachineID: id, Tag: e.Tag(), Reason: ReasonNoSuchMachine})
		observability.IgnoredEvents.WithLabelValues(ReasonNoSuchMachine.String()).Inc()
		return nil, Outcome{Code: NotFound, Reason: ReasonNoSuchMachine}
	}

	m, err = r.autoCreate(id, trigger)
	if err != nil {
		if errors.Is(err, ErrCapacityFull) {
			return nil, outcome(CapacityFull)
		}
		if winner, ok := r.Machine(id); ok {
			return winner, accepted()
		}
		log.Printf("registry: auto-create of machine %s failed: %v", id, err)
		return nil, Outcome{Code: NotFound, Reason: ReasonNoSuchMachine}
	}
	return m, accepted()
}

// autoCreate materializes and registers a fresh machine from a trigger
// factory. The machine is fully registered before the triggering event is
// delivered by the caller.
func (r *Registry) autoCreate(id string, f Factory) (*fsm.Machine, error) {
	if err := r.reserve(id); err != nil {
		return nil, err
	}

	var vc any
	if f.NewVC != nil {
		vc = f.NewVC()
	}
	m, err := fsm.NewMachine(f.Template, id, f.NewPC(), vc, r.sched)
	if err != nil {
		r.unreserve(id)
		return nil, err
	}

	r.wire(m)
	r.bus.notifyCreate(id)
	observability.MachineCreations.Inc()

	if err := m.Start(); err != nil {
		r.unreserve(id)
		return nil, err
	}
	r.install(id, m)
	return m, nil
}

// rehydrate rebuilds a machine from its snapshot: fresh contexts from the
// factory, user fields unmarshalled from the snapshot payload, then
// RestoreState with timeout catch-up.
func (r *Registry) rehydrate(id string, f Factory, snap *store.Snapshot) (*fsm.Machine, error) {
	if err := r.reserve(id); err != nil {
		return nil, err
	}

	pc := f.NewPC()
	if len(snap.Data) > 0 {
		if err := json.Unmarshal(snap.Data, pc); err != nil {
			r.unreserve(id)
			return nil, fmt.Errorf("registry: unmarshal persisted context for %s: %w", id, err)
		}
	}
	pc.SetMachineID(id)
	pc.SetState(snap.CurrentState)
	pc.SetStateChangedAt(snap.LastStateChange)
	pc.SetComplete(snap.Complete)

	var vc any
	if f.NewVC != nil {
		vc = f.NewVC()
	}
	m, err := fsm.NewMachine(f.Template, id, pc, vc, r.sched)
	if err != nil {
		r.unreserve(id)
		return nil, err
	}

	r.wire(m)
	r.bus.notifyRehydrate(id)
	observability.MachineRehydrations.Inc()

	if err := m.RestoreState(snap.CurrentState); err != nil {
		r.unreserve(id)
		return nil, err
	}
	r.installRestored(id, m)
	return m, nil
}

// CreateOrGet resolves id through memory and persistence, creating a fresh
// machine from the factory as a last resort. A terminal persisted context
// yields ErrMachineComplete.
func (r *Registry) CreateOrGet(id string, f Factory) (*fsm.Machine, error) {
	if err := f.valid(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	m, active := r.machines[id]
	r.mu.RUnlock()
	if active {
		return m, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	snap, err := r.port.Load(ctx, id)
	cancel()
	if err != nil {
		observability.SaveFailures.WithLabelValues("load").Inc()
		log.Printf("registry: load for machine %s failed, treating as absent: %v", id, err)
		snap = nil
	}

	if snap != nil {
		if snap.Complete {
			return nil, ErrMachineComplete
		}
		return r.rehydrate(id, f, snap)
	}

	return r.autoCreate(id, f)
}

// RemoveMachine persists a machine synchronously, removes it from the
// active set and notifies observers. The machine can be rehydrated later.
func (r *Registry) RemoveMachine(id string) error {
	r.mu.Lock()
	m, ok := r.machines[id]
	if ok {
		delete(r.machines, id)
	}
	n := len(r.machines)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("registry: machine %s is not active", id)
	}

	observability.ActiveMachines.Set(float64(n))
	m.Stop()
	err := r.saver.saveSync(m.Snapshot())
	observability.Evictions.WithLabelValues("explicit").Inc()
	r.perMach.Forget(id)
	r.bus.notifyRemove(id)
	return err
}

// Shutdown refuses new events, persists every active machine once, cancels
// all pending timeouts and stops the scheduler. It is bounded by
// ShutdownTimeout; saves still queued past the deadline are lost and the
// store stays durable up to the last acknowledged save.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil
	}
	r.shuttingDown = true
	ms := make([]*fsm.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		ms = append(ms, m)
	}
	r.machines = make(map[string]*fsm.Machine)
	r.mu.Unlock()

	close(r.janitorStop)
	<-r.janitorDone

	deadline := time.Now().Add(r.cfg.ShutdownTimeout)
	for _, m := range ms {
		// Stop waits for the machine's in-flight event, if any, via the
		// machine lock inside Stop and Snapshot.
		m.Stop()
		r.saver.enqueue(m.Snapshot())
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	flushed := r.saver.drain(remaining)
	r.sched.Stop()
	observability.ActiveMachines.Set(0)

	if !flushed {
		return fmt.Errorf("registry: shutdown deadline passed with saves pending")
	}
	return nil
}
