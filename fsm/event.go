// Package fsm implements the per-machine engine of SwitchForge: event
// identity, machine templates built through a fluent builder, and the
// runtime Machine with its transition procedure, state-scoped timeouts and
// rehydration logic.
package fsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// TagTimeout is the reserved tag of the synthetic timeout event. User events
// cannot register it.
const TagTimeout = "TIMEOUT"

// Event is anything that can be fired at a machine. Dispatch is by wire tag
// only; the payload is opaque to the engine.
type Event interface {
	Tag() string
}

// GenericEvent is the plain tag-plus-payload event carrier. External
// interfaces (the debug channel, tests) use it for events that need no
// dedicated type.
type GenericEvent struct {
	EventTag string
	Payload  any
}

// NewEvent builds a GenericEvent.
func NewEvent(tag string, payload any) *GenericEvent {
	return &GenericEvent{EventTag: tag, Payload: payload}
}

func (e *GenericEvent) Tag() string { return e.EventTag }

// TimeoutEvent is synthesized when a state-scoped timeout fires. Source is
// the state that armed the timeout; the engine drops the event as stale if
// the machine has since left that state.
type TimeoutEvent struct {
	Source string
	Target string
}

func (e *TimeoutEvent) Tag() string { return TagTimeout }

// Decoder turns a raw JSON payload into an event, used when events arrive
// over the debug channel identified only by their tag.
type Decoder func(payload json.RawMessage) (Event, error)

// Catalog is the process-wide map between wire-level event tags and their
// decoders. Registrations happen at startup; during normal operation the
// catalog is read-only.
type Catalog struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{decoders: make(map[string]Decoder)}
}

// Register binds a tag to a decoder. Registering the reserved TIMEOUT tag or
// a duplicate tag is an error.
func (c *Catalog) Register(tag string, dec Decoder) error {
	if tag == "" {
		return errors.New("fsm: empty event tag")
	}
	if tag == TagTimeout {
		return fmt.Errorf("fsm: tag %q is reserved", TagTimeout)
	}
	if dec == nil {
		return errors.New("fsm: nil decoder")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.decoders[tag]; exists {
		return fmt.Errorf("fsm: event tag %q already registered", tag)
	}
	c.decoders[tag] = dec
	return nil
}

// RegisterTag binds a tag to the default decoder, which produces a
// GenericEvent carrying the raw JSON payload.
func (c *Catalog) RegisterTag(tag string) error {
	return c.Register(tag, func(payload json.RawMessage) (Event, error) {
		return NewEvent(tag, payload), nil
	})
}

// Known reports whether the tag is registered.
func (c *Catalog) Known(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.decoders[tag]
	return ok
}

// Decode builds an event for a registered tag from its raw payload.
func (c *Catalog) Decode(tag string, payload json.RawMessage) (Event, error) {
	c.mu.RLock()
	dec, ok := c.decoders[tag]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fsm: unknown event tag %q", tag)
	}
	return dec(payload)
}

// Tags returns all registered tags, sorted.
func (c *Catalog) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags := make([]string, 0, len(c.decoders))
	for tag := range c.decoders {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
