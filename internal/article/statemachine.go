package article

import "fmt"

// Decision is a request to move an article between states. Human decisions are
// valid from REVIEW; triage decisions are made by the pipeline from INGESTED.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionEdit     Decision = "edit"
	DecisionEscalate Decision = "escalate"

	DecisionAutoPublish Decision = "auto_publish"
	DecisionQueueReview Decision = "review"
	DecisionDrop        Decision = "drop"
)

// Human reports whether d belongs to the reviewer taxonomy.
func (d Decision) Human() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionEdit, DecisionEscalate:
		return true
	}
	return false
}

// newStates maps a decision to the state it produces.
var newStates = map[Decision]State{
	DecisionApprove:     StatePublished,
	DecisionReject:      StateArchived,
	DecisionEdit:        StateReview,
	DecisionEscalate:    StateReview,
	DecisionAutoPublish: StatePublished,
	DecisionQueueReview: StateReview,
	DecisionDrop:        StateArchived,
}

// allowedFrom lists, per source state, the decisions that may be applied.
// Terminal states are absent and therefore allow nothing.
var allowedFrom = map[State]map[Decision]bool{
	StateIngested: {
		DecisionAutoPublish: true,
		DecisionQueueReview: true,
		DecisionDrop:        true,
	},
	StateReview: {
		DecisionApprove:  true,
		DecisionReject:   true,
		DecisionEdit:     true,
		DecisionEscalate: true,
	},
}

// ValidateTransition reports whether decision may be applied to an article in state current.
func ValidateTransition(current State, decision Decision) bool {
	return allowedFrom[current][decision]
}

// NewState returns the state a decision produces, or false for unknown decisions.
func NewState(decision Decision) (State, bool) {
	s, ok := newStates[decision]
	return s, ok
}

// Transition validates and resolves a transition in one step. It never mutates anything.
func Transition(current State, decision Decision) (State, error) {
	if !ValidateTransition(current, decision) {
		return "", fmt.Errorf("%w: %q from %s", ErrInvalidTransition, decision, current)
	}
	next, _ := NewState(decision)
	return next, nil
}
