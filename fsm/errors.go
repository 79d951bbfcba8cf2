package fsm

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on a machine that already
	// entered its initial state or was restored.
	ErrAlreadyStarted = errors.New("fsm: machine already started")

	// ErrUnknownState is returned when a state name is not part of the
	// machine's definition.
	ErrUnknownState = errors.New("fsm: unknown state")

	// ErrMachineComplete is returned when a terminal machine is asked to do
	// further work.
	ErrMachineComplete = errors.New("fsm: machine is complete")
)

// UserActionFailed wraps an error (or recovered panic) raised by a
// user-provided entry, exit or stay action. Actions never abort a
// transition; their failures surface through this type in logs and
// transition notices.
type UserActionFailed struct {
	MachineID string
	State     string
	Hook      string // "entry", "exit" or "stay"
	Err       error
}

func (e *UserActionFailed) Error() string {
	return fmt.Sprintf("fsm: %s action in state %q of machine %q failed: %v", e.Hook, e.State, e.MachineID, e.Err)
}

func (e *UserActionFailed) Unwrap() error { return e.Err }
