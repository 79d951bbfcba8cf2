package registry

import (
	"log"
	"sync"

	"github.com/itskum47/SwitchForge/fsm"
	"github.com/itskum47/SwitchForge/observability"
)

// IgnoredEvent is the observer-facing record of an event that had no effect.
// PC and VC are nil for registry-level ignores (unknown ids).
type IgnoredEvent struct {
	MachineID string
	State     string
	Tag       string
	Reason    IgnoreReason
	PC        fsm.PersistentContext
	VC        any
}

// Listener observes registry lifecycle and machine transitions. Callbacks
// run synchronously on the event's execution context; a listener that needs
// to do slow work should dispatch to its own goroutine. Panics in a listener
// are contained and logged, and do not stop other listeners.
type Listener interface {
	OnRegistryCreate(id string)
	OnRegistryRehydrate(id string)
	OnRegistryRemove(id string)
	OnStateMachineEvent(n fsm.TransitionNotice)
	OnEventIgnored(e IgnoredEvent)
}

// ListenerFuncs adapts plain functions to the Listener interface. Nil fields
// are skipped.
type ListenerFuncs struct {
	Create     func(id string)
	Rehydrate  func(id string)
	Remove     func(id string)
	Transition func(n fsm.TransitionNotice)
	EvIgnored  func(e IgnoredEvent)
}

func (l ListenerFuncs) OnRegistryCreate(id string) {
	if l.Create != nil {
		l.Create(id)
	}
}

func (l ListenerFuncs) OnRegistryRehydrate(id string) {
	if l.Rehydrate != nil {
		l.Rehydrate(id)
	}
}

func (l ListenerFuncs) OnRegistryRemove(id string) {
	if l.Remove != nil {
		l.Remove(id)
	}
}

func (l ListenerFuncs) OnStateMachineEvent(n fsm.TransitionNotice) {
	if l.Transition != nil {
		l.Transition(n)
	}
}

func (l ListenerFuncs) OnEventIgnored(e IgnoredEvent) {
	if l.EvIgnored != nil {
		l.EvIgnored(e)
	}
}

// listenerBus is a copy-on-write listener list. Reads take a snapshot of the
// slice; Add and Remove replace it wholesale, so notification never holds a
// lock while user code runs.
type listenerBus struct {
	mu        sync.Mutex
	listeners []Listener
}

func (b *listenerBus) Add(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]Listener, len(b.listeners), len(b.listeners)+1)
	copy(next, b.listeners)
	b.listeners = append(next, l)
}

func (b *listenerBus) Remove(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]Listener, 0, len(b.listeners))
	for _, cur := range b.listeners {
		if cur != l {
			next = append(next, cur)
		}
	}
	b.listeners = next
}

func (b *listenerBus) snapshot() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listeners
}

func (b *listenerBus) each(fn func(l Listener)) {
	for _, l := range b.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					observability.ListenerPanics.Inc()
					log.Printf("registry: listener panic recovered: %v", r)
				}
			}()
			fn(l)
		}()
	}
}

func (b *listenerBus) notifyCreate(id string) {
	b.each(func(l Listener) { l.OnRegistryCreate(id) })
}

func (b *listenerBus) notifyRehydrate(id string) {
	b.each(func(l Listener) { l.OnRegistryRehydrate(id) })
}

func (b *listenerBus) notifyRemove(id string) {
	b.each(func(l Listener) { l.OnRegistryRemove(id) })
}

func (b *listenerBus) notifyTransition(n fsm.TransitionNotice) {
	b.each(func(l Listener) { l.OnStateMachineEvent(n) })
}

func (b *listenerBus) notifyIgnored(e IgnoredEvent) {
	b.each(func(l Listener) { l.OnEventIgnored(e) })
}
