// Package helper owns the Helper lifecycle state machine, the rolling
// failure-rate accumulator that drives Connected→Degraded, and the
// HTTP status surface of §6.
package helper

import (
	"fmt"
	"sync"
	"time"
)

// State is the Helper's lifecycle state. Unlike the teacher's
// escalation.State, this graph is not monotonic: Connected, Degraded,
// and Connecting form a cycle driven by masked-dial outcomes rather
// than a strictly-ordered escalate/decay ladder.
type State uint8

const (
	StateOffline State = iota
	StateCalibrating
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateCalibrating:
		return "calibrating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// transitions enumerates the edges the spec allows; Advance rejects
// anything not listed here, mirroring the teacher's ProcessState
// guard on illegal Escalate/Decay calls except keyed by an explicit
// table instead of a monotonic comparison.
var transitions = map[State]map[State]bool{
	StateOffline:     {StateCalibrating: true},
	StateCalibrating: {StateConnecting: true, StateOffline: true},
	StateConnecting:  {StateConnected: true, StateOffline: true, StateDegraded: true},
	StateConnected:   {StateDegraded: true, StateOffline: true},
	StateDegraded:    {StateConnecting: true, StateOffline: true},
}

// ProcessState holds the mutable lifecycle state, guarded by a single
// mutex exactly as the teacher's ProcessState guards isolation state.
type ProcessState struct {
	mu        sync.Mutex
	current   State
	enteredAt time.Time
}

// NewProcessState creates a ProcessState in StateOffline.
func NewProcessState() *ProcessState {
	return &ProcessState{current: StateOffline, enteredAt: time.Now()}
}

// Current returns the current lifecycle state.
func (ps *ProcessState) Current() State {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.current
}

// TimeInState returns how long the Helper has held its current state.
func (ps *ProcessState) TimeInState() time.Duration {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return time.Since(ps.enteredAt)
}

// Advance attempts to transition to target. Returns (newState, true)
// if the transition is permitted by the table above and took effect;
// (currentState, false) otherwise. A transition to Offline (the stop
// command / fatal bind failure) is always permitted from any state and
// returns (StateOffline, true).
func (ps *ProcessState) Advance(target State) (State, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if target == StateOffline {
		ps.current = StateOffline
		ps.enteredAt = time.Now()
		return ps.current, true
	}
	if !transitions[ps.current][target] {
		return ps.current, false
	}
	ps.current = target
	ps.enteredAt = time.Now()
	return ps.current, true
}
