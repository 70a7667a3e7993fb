package session

import "encoding/json"

// State is a lifecycle state of the managed session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateRecovering
	StateFailed
	StateClosed
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateReady:         "ready",
	StateRecovering:    "recovering",
	StateFailed:        "failed",
	StateClosed:        "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
