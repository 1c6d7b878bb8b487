package system

import (
	"encoding/json"
	"fmt"
)

type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	// StateUpdating covers a session reconnect.
	StateUpdating
	StateStopping
	StateStopped
	StateError
)

func (s SystemState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateUpdating:
		return "UPDATING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the state name for websocket clients.
func (s SystemState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

type UpdateProgress struct {
	Phase     string `json:"phase"`
	Progress  int    `json:"progress"` // 0-100
	Message   string `json:"message"`
	StartedAt int64  `json:"started_at"`
}

type SystemStatus struct {
	State          SystemState    `json:"state"`
	UpdateProgress UpdateProgress `json:"update_progress,omitempty"`
	Timestamp      int64          `json:"timestamp"`
	Error          string         `json:"error,omitempty"`
}

func ValidateTransition(from, to SystemState) error {
	validTransitions := map[SystemState][]SystemState{
		StateInitializing: {StateRunning, StateError, StateStopping},
		StateRunning:      {StateUpdating, StateStopping, StateError},
		StateUpdating:     {StateRunning, StateError, StateStopping},
		StateStopping:     {StateStopped, StateError},
		StateStopped:      {StateInitializing},
		StateError:        {StateInitializing, StateUpdating, StateStopping, StateStopped},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
