package fsm

import "time"

// PersistentContext is the durable per-machine record. The engine owns the
// four required fields; everything else on the embedding struct is opaque
// user data that round-trips through the persistence port as JSON.
//
// User contexts embed BaseContext:
//
//	type CallContext struct {
//		fsm.BaseContext
//		From string `json:"from"`
//	}
type PersistentContext interface {
	MachineID() string
	SetMachineID(id string)
	State() string
	SetState(state string)
	StateChangedAt() time.Time
	SetStateChangedAt(t time.Time)
	IsComplete() bool
	SetComplete(complete bool)
}

// BaseContext implements PersistentContext and is meant to be embedded in
// user context structs.
type BaseContext struct {
	ID              string    `json:"id"`
	CurrentState    string    `json:"current_state"`
	LastStateChange time.Time `json:"last_state_change"`
	Complete        bool      `json:"complete"`
}

func (c *BaseContext) MachineID() string { return c.ID }

func (c *BaseContext) SetMachineID(id string) { c.ID = id }

func (c *BaseContext) State() string { return c.CurrentState }

func (c *BaseContext) SetState(state string) { c.CurrentState = state }

func (c *BaseContext) StateChangedAt() time.Time { return c.LastStateChange }

// SetStateChangedAt stores the timestamp at millisecond precision in UTC,
// matching the persistence format.
func (c *BaseContext) SetStateChangedAt(t time.Time) {
	c.LastStateChange = t.UTC().Truncate(time.Millisecond)
}

func (c *BaseContext) IsComplete() bool { return c.Complete }

func (c *BaseContext) SetComplete(complete bool) { c.Complete = complete }
