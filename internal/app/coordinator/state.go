package coordinator

import (
	"github.com/yerzham/thingsboard-visitor-count-client/internal/app/attributes"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
)

// State is the coordinator's position in its control cycle. It is derived
// on every iteration and never stored.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingConfig
	StateIdle
	StateDetecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Derive maps connectivity, the validated configuration and the worker status
// to the next state. A nil configuration means none has been fetched since
// the last connect.
func Derive(connected bool, cfg *attributes.Configuration, status domain.WorkerStatus) State {
	switch {
	case status == domain.WorkerFailed:
		return StateFailed
	case !connected:
		return StateDisconnected
	case cfg == nil:
		return StateAwaitingConfig
	case cfg.Configured() && cfg.Enabled:
		return StateDetecting
	default:
		return StateIdle
	}
}
