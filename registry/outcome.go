package registry

import "errors"

var (
	// ErrAlreadyRegistered is returned by Register on an id collision.
	ErrAlreadyRegistered = errors.New("registry: machine id already registered")

	// ErrCapacityFull is returned when the active set is at
	// MaxConcurrentMachines.
	ErrCapacityFull = errors.New("registry: max concurrent machines reached")

	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("registry: shutting down")

	// ErrMachineComplete is returned by CreateOrGet for an id whose
	// persisted context is terminal.
	ErrMachineComplete = errors.New("registry: machine reached a final state")
)

// OutcomeCode classifies what SendEvent did with an event.
type OutcomeCode int

const (
	// Accepted: the event was delivered to the machine.
	Accepted OutcomeCode = iota
	// ThrottledSystem: rejected by the system-wide shaping bucket.
	ThrottledSystem
	// ThrottledPerMachine: rejected by the per-machine bucket.
	ThrottledPerMachine
	// Ignored: delivered or resolvable, but produced no effect; see Reason.
	Ignored
	// CapacityFull: an auto-create was refused at the machine cap.
	CapacityFull
	// NotFoundFinal: the id's persisted context is terminal and is never
	// rehydrated.
	NotFoundFinal
	// NotFound: no machine, no persisted context, and the event is not a
	// creation trigger.
	NotFound
	// ShuttingDown: the registry refuses new events during shutdown.
	ShuttingDown
)

func (c OutcomeCode) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case ThrottledSystem:
		return "throttled_system"
	case ThrottledPerMachine:
		return "throttled_per_machine"
	case Ignored:
		return "ignored"
	case CapacityFull:
		return "capacity_full"
	case NotFoundFinal:
		return "not_found_final"
	case NotFound:
		return "not_found"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// IgnoreReason says why an event was ignored.
type IgnoreReason int

const (
	ReasonNone IgnoreReason = iota
	// ReasonNoSuchMachine: unknown id and the event is not a trigger.
	ReasonNoSuchMachine
	// ReasonInFinalState: the persisted context for the id is terminal.
	ReasonInFinalState
	// ReasonMachineComplete: the active machine completed concurrently.
	ReasonMachineComplete
	// ReasonNoTransitionAndNoStay: the current state handles neither a
	// transition nor a stay action for the tag.
	ReasonNoTransitionAndNoStay
)

func (r IgnoreReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNoSuchMachine:
		return "no_such_machine"
	case ReasonInFinalState:
		return "in_final_state"
	case ReasonMachineComplete:
		return "machine_complete"
	case ReasonNoTransitionAndNoStay:
		return "no_transition_and_no_stay"
	default:
		return "unknown"
	}
}

// Outcome is the result of SendEvent. SendEvent never returns an error for
// expected failure modes; everything is encoded here.
type Outcome struct {
	Code   OutcomeCode
	Reason IgnoreReason
}

// Accepted reports whether the event reached its machine.
func (o Outcome) Accepted() bool { return o.Code == Accepted }

func accepted() Outcome { return Outcome{Code: Accepted} }

func ignored(reason IgnoreReason) Outcome { return Outcome{Code: Ignored, Reason: reason} }

func outcome(code OutcomeCode) Outcome { return Outcome{Code: code} }
