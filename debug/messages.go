// Package debug implements the live debug channel: a websocket hub that
// streams machine activity to connected tooling and accepts event injection
// back into the registry.
package debug

import (
	"encoding/json"
	"time"
)

// Outbound message types.
const (
	TypeEventMetadataUpdate = "EVENT_METADATA_UPDATE"
	TypeStateChange         = "STATE_CHANGE"
	TypeCompleteStatus      = "COMPLETE_STATUS"
	TypeCurrentState        = "CURRENT_STATE"
	TypeTimeoutCountdown    = "TIMEOUT_COUNTDOWN"
)

// Inbound actions.
const (
	ActionEvent = "EVENT"
	ActionState = "STATE"
)

// EventMetadataUpdate is sent once on connect: the event tags the running
// templates understand, so tooling can offer an injection palette.
type EventMetadataUpdate struct {
	Type      string   `json:"type"`
	EventTags []string `json:"eventTags"`
}

// StateChange reports one completed transition. Subject to sampling.
type StateChange struct {
	Type      string          `json:"type"`
	MachineID string          `json:"machineId"`
	OldState  string          `json:"oldState"`
	NewState  string          `json:"newState"`
	EventType string          `json:"eventType"`
	Context   json.RawMessage `json:"context,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Final     bool            `json:"final,omitempty"`
	Offline   bool            `json:"offline,omitempty"`
}

// TimeoutCountdown is sent alongside a StateChange when the new state armed
// a timeout.
type TimeoutCountdown struct {
	Type      string    `json:"type"`
	MachineID string    `json:"machineId"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt"`
	Millis    int64     `json:"millis"`
}

// CompleteStatus is the periodic fleet summary: every active machine and its
// current state.
type CompleteStatus struct {
	Type     string            `json:"type"`
	Active   int               `json:"active"`
	Machines map[string]string `json:"machines"`
}

// CurrentState answers an inbound STATE request for one machine.
type CurrentState struct {
	Type      string          `json:"type"`
	MachineID string          `json:"machineId"`
	State     string          `json:"state,omitempty"`
	Found     bool            `json:"found"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// InboundMessage is what clients send: event injection or a state query.
type InboundMessage struct {
	Action    string          `json:"action"`
	MachineID string          `json:"machineId"`
	EventType string          `json:"eventType,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// InjectionResult acknowledges an inbound EVENT with the registry outcome.
type InjectionResult struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	EventType string `json:"eventType"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}
