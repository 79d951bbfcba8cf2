package fsm

import (
	"fmt"
	"sort"
	"time"
)

// Action is a user hook run on state entry or exit. The machine lock is held
// while it runs; it must not call back into the same machine.
type Action func(m *Machine) error

// StayAction handles an event without leaving the current state. A stay
// action that mutates the persistent context should call m.MarkDirty() to
// request a save.
type StayAction func(m *Machine, e Event) error

// TimeoutSpec declares the state-scoped timeout of a state: after Duration
// without leaving the state, the machine transitions to Target.
type TimeoutSpec struct {
	Duration time.Duration
	Target   string
}

// StateDef is the immutable definition of one state.
type StateDef struct {
	Name        string
	Entry       Action
	Exit        Action
	Timeout     *TimeoutSpec
	Transitions map[string]string // event tag -> target state
	Stays       map[string]StayAction
	Final       bool
	Offline     bool
}

// EventTags returns the tags this state reacts to (transitions and stay
// actions), sorted. Used to derive debug-channel metadata.
func (s *StateDef) EventTags() []string {
	tags := make([]string, 0, len(s.Transitions)+len(s.Stays))
	for tag := range s.Transitions {
		tags = append(tags, tag)
	}
	for tag := range s.Stays {
		if _, shadowed := s.Transitions[tag]; !shadowed {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Definition is a validated, immutable machine template: a named initial
// state plus a set of state definitions. Machines are materialized from a
// Definition via NewMachine.
type Definition struct {
	name           string
	initial        string
	states         map[string]*StateDef
	entryOnRestore bool
}

// Name returns the template name.
func (d *Definition) Name() string { return d.name }

// Initial returns the initial state name.
func (d *Definition) Initial() string { return d.initial }

// State looks up a state definition by name.
func (d *Definition) State(name string) (*StateDef, bool) {
	s, ok := d.states[name]
	return s, ok
}

// StateNames returns all state names, sorted.
func (d *Definition) StateNames() []string {
	names := make([]string, 0, len(d.states))
	for name := range d.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EventTags returns the union of event tags handled in any state, sorted.
func (d *Definition) EventTags() []string {
	seen := make(map[string]struct{})
	for _, s := range d.states {
		for _, tag := range s.EventTags() {
			seen[tag] = struct{}{}
		}
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Builder assembles a Definition. It is not safe for concurrent use; build
// templates once at startup.
type Builder struct {
	name           string
	initial        string
	states         map[string]*StateDef
	order          []string
	entryOnRestore bool
	errs           []error
}

// NewBuilder starts a template named name whose machines begin in the
// initial state.
func NewBuilder(name, initial string) *Builder {
	return &Builder{
		name:    name,
		initial: initial,
		states:  make(map[string]*StateDef),
	}
}

// EntryOnRestore opts the template into running entry actions during
// rehydration. The default (off) restores a state silently, which is what
// almost every fleet wants: entry side effects already happened before the
// machine went offline.
func (b *Builder) EntryOnRestore() *Builder {
	b.entryOnRestore = true
	return b
}

// State declares (or reopens) a state and returns its builder.
func (b *Builder) State(name string) *StateBuilder {
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("fsm: template %q declares a state with an empty name", b.name))
	}
	def, ok := b.states[name]
	if !ok {
		def = &StateDef{
			Name:        name,
			Transitions: make(map[string]string),
			Stays:       make(map[string]StayAction),
		}
		b.states[name] = def
		b.order = append(b.order, name)
	}
	return &StateBuilder{builder: b, def: def}
}

// Build validates the template and returns the immutable Definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.name == "" {
		return nil, fmt.Errorf("fsm: template has no name")
	}
	if _, ok := b.states[b.initial]; !ok {
		return nil, fmt.Errorf("fsm: template %q: initial state %q is not defined", b.name, b.initial)
	}

	for _, name := range b.order {
		def := b.states[name]
		for tag, target := range def.Transitions {
			if _, ok := b.states[target]; !ok {
				return nil, fmt.Errorf("fsm: template %q: state %q transitions on %q to undefined state %q", b.name, name, tag, target)
			}
		}
		if def.Timeout != nil {
			if def.Timeout.Duration <= 0 {
				return nil, fmt.Errorf("fsm: template %q: state %q has a non-positive timeout", b.name, name)
			}
			if _, ok := b.states[def.Timeout.Target]; !ok {
				return nil, fmt.Errorf("fsm: template %q: state %q timeout targets undefined state %q", b.name, name, def.Timeout.Target)
			}
		}
		if def.Final && def.Offline {
			return nil, fmt.Errorf("fsm: template %q: state %q cannot be both final and offline", b.name, name)
		}
	}

	states := make(map[string]*StateDef, len(b.states))
	for name, def := range b.states {
		states[name] = def
	}
	return &Definition{
		name:           b.name,
		initial:        b.initial,
		states:         states,
		entryOnRestore: b.entryOnRestore,
	}, nil
}

// StateBuilder configures one state. All methods return the StateBuilder for
// chaining; Done returns to the template builder.
type StateBuilder struct {
	builder *Builder
	def     *StateDef
}

// OnEntry sets the entry action.
func (sb *StateBuilder) OnEntry(fn Action) *StateBuilder {
	sb.def.Entry = fn
	return sb
}

// OnExit sets the exit action.
func (sb *StateBuilder) OnExit(fn Action) *StateBuilder {
	sb.def.Exit = fn
	return sb
}

// Timeout arms a one-shot timeout on entry: after d in this state the
// machine transitions to target.
func (sb *StateBuilder) Timeout(d time.Duration, target string) *StateBuilder {
	sb.def.Timeout = &TimeoutSpec{Duration: d, Target: target}
	return sb
}

// On declares a transition: an event with the given tag moves the machine to
// target.
func (sb *StateBuilder) On(tag, target string) *StateBuilder {
	if tag == TagTimeout {
		sb.builder.errs = append(sb.builder.errs,
			fmt.Errorf("fsm: state %q uses reserved tag %q; declare a Timeout instead", sb.def.Name, TagTimeout))
		return sb
	}
	if _, dup := sb.def.Transitions[tag]; dup {
		sb.builder.errs = append(sb.builder.errs,
			fmt.Errorf("fsm: state %q declares tag %q twice", sb.def.Name, tag))
		return sb
	}
	sb.def.Transitions[tag] = target
	return sb
}

// Stay declares a stay action: the event is handled in place, without a
// state change. A transition on the same tag shadows the stay action.
func (sb *StateBuilder) Stay(tag string, fn StayAction) *StateBuilder {
	if tag == TagTimeout {
		sb.builder.errs = append(sb.builder.errs,
			fmt.Errorf("fsm: state %q uses reserved tag %q in a stay action", sb.def.Name, TagTimeout))
		return sb
	}
	sb.def.Stays[tag] = fn
	return sb
}

// Final marks this state terminal: entering it completes the machine.
func (sb *StateBuilder) Final() *StateBuilder {
	sb.def.Final = true
	return sb
}

// Offline marks this state as a parking state: entering it persists the
// machine and evicts it from the active set for later rehydration.
func (sb *StateBuilder) Offline() *StateBuilder {
	sb.def.Offline = true
	return sb
}

// State declares a sibling state on the underlying template builder.
func (sb *StateBuilder) State(name string) *StateBuilder {
	return sb.builder.State(name)
}

// Done returns the template builder.
func (sb *StateBuilder) Done() *Builder {
	return sb.builder
}
