// Package controller implements the top-level per-function runtime: the
// STOPPED/STARTED/SUSPENDING/SUSPENDED state machine, BAR reconciliation,
// polling-group scheduling, the live-migration substate machine with
// sectioned save/restore, and dirty-page tracking.
package controller

import "github.com/smartnic-emu/snapctrl/internal/logging"

var log = logging.For("controller")

// State is the controller's top-level lifecycle state machine.
type State int

const (
	StateStopped State = iota
	StateStarted
	StateSuspending
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarted:
		return "STARTED"
	case StateSuspending:
		return "SUSPENDING"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// LMState is the live-migration substate machine, orthogonal to State
// and only meaningful while STARTED or SUSPENDED.
type LMState int

const (
	LMRunning LMState = iota
	LMQuiesced
	LMFreezed
)

func (s LMState) String() string {
	switch s {
	case LMRunning:
		return "LM_RUNNING"
	case LMQuiesced:
		return "LM_QUIESCED"
	case LMFreezed:
		return "LM_FREEZED"
	default:
		return "UNKNOWN"
	}
}
