package pipeline

import (
	"fmt"
	"strings"
)

// State is a proposal lifecycle state.
type State string

const (
	StateProposed         State = "proposed"
	StateSimulating       State = "simulating"
	StateSimulated        State = "simulated"
	StateSimulationFailed State = "simulation_failed"
	StatePendingApproval  State = "pending_approval"
	StateApproved         State = "approved"
	StateRejected         State = "rejected"
	StateDeploying        State = "deploying"
	StateMonitoring       State = "monitoring"
	StateRolledBack       State = "rolled_back"
	StateClosed           State = "closed"
)

var transitions = map[State][]State{
	StateProposed:        {StateSimulating},
	StateSimulating:      {StateSimulated, StateSimulationFailed},
	StateSimulated:       {StatePendingApproval},
	StatePendingApproval: {StateApproved, StateRejected},
	StateApproved:        {StateDeploying, StateRejected},
	StateDeploying:       {StateMonitoring, StateRolledBack},
	StateMonitoring:      {StateClosed, StateRolledBack},
}

// States lists every lifecycle state in pipeline order.
func States() []State {
	return []State{
		StateProposed,
		StateSimulating,
		StateSimulated,
		StateSimulationFailed,
		StatePendingApproval,
		StateApproved,
		StateRejected,
		StateDeploying,
		StateMonitoring,
		StateRolledBack,
		StateClosed,
	}
}

func ParseState(raw string) (State, error) {
	candidate := State(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range States() {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, raw)
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from State, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for illegal edges and
// requires a reason on every edge into a failure terminal.
func ValidateTransition(from State, to State, reason string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to.RequiresReason() && strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: %s requires a reason", ErrInvalidTransition, to)
	}
	return nil
}

func (s State) IsTerminal() bool {
	switch s {
	case StateSimulationFailed, StateRejected, StateRolledBack, StateClosed:
		return true
	default:
		return false
	}
}

// RequiresReason is true for the failure terminals.
func (s State) RequiresReason() bool {
	return s == StateSimulationFailed || s == StateRejected || s == StateRolledBack
}

// HoldsDeploySlot is true while the proposal owns its version's deployment slot.
func (s State) HoldsDeploySlot() bool {
	return s == StateDeploying || s == StateMonitoring
}

// Resubmittable is true for terminals that a modified proposal may replace.
func (s State) Resubmittable() bool {
	return s.RequiresReason()
}

func (s State) String() string { return string(s) }
