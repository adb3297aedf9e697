package domain

import (
	"errors"
	"time"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownTarget     = errors.New("unknown deploy target")
)

// =============================================================================
// Target State
// =============================================================================

// TargetState is the reconciliation state of one target within one pipeline run.
type TargetState string

const (
	StatePending          TargetState = "pending"
	StateAwaitingApproval TargetState = "awaiting_approval"
	StateUpdating         TargetState = "updating"
	StateConverged        TargetState = "converged"
	StateRolloutTimeout   TargetState = "rollout_timeout"
	StateFailed           TargetState = "failed"
	StateSkipped          TargetState = "skipped"
)

// IsTerminal reports whether no further transitions are allowed within the run.
func (s TargetState) IsTerminal() bool {
	switch s {
	case StateConverged, StateRolloutTimeout, StateFailed, StateSkipped:
		return true
	}
	return false
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[TargetState][]TargetState{
	StatePending:          {StateUpdating, StateAwaitingApproval, StateSkipped, StateFailed},
	StateAwaitingApproval: {StateUpdating, StateFailed},
	StateUpdating:         {StateConverged, StateRolloutTimeout, StateFailed},
	StateConverged:        {}, // Terminal
	StateRolloutTimeout:   {}, // Terminal
	StateFailed:           {}, // Terminal
	StateSkipped:          {}, // Terminal
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to TargetState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// =============================================================================
// Target Result
// =============================================================================

// TargetResult is the per-run record of one deploy target.
type TargetResult struct {
	Target         Target      `json:"target"`
	State          TargetState `json:"state"`
	Image          string      `json:"image,omitempty"`
	EnvironmentURL string      `json:"environment_url,omitempty"`
	Attempts       int         `json:"attempts,omitempty"`
	Message        string      `json:"message,omitempty"`
	ApprovedBy     string      `json:"approved_by,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}

// NewTargetResult returns a fresh pending result for target.
func NewTargetResult(target Target) *TargetResult {
	return &TargetResult{
		Target: target,
		State:  StatePending,
	}
}

// Transition attempts to move the result to a new state.
func (r *TargetResult) Transition(to TargetState) error {
	if err := ValidateTransition(r.State, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	if to == StateUpdating && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if to.IsTerminal() {
		r.FinishedAt = &now
	}

	r.State = to
	return nil
}

// Apply records a finished outcome on the result, walking the state machine
// through updating when the outcome implies the target was touched.
func (r *TargetResult) Apply(o DeployOutcome) error {
	to := o.State()
	if to != StateSkipped && r.State != StateUpdating {
		// Failures before any external call (e.g. approval aborted) go
		// straight to failed; everything else passes through updating.
		if !(to == StateFailed && o.Attempts == 0) {
			if err := r.Transition(StateUpdating); err != nil {
				return err
			}
		}
	}
	if err := r.Transition(to); err != nil {
		return err
	}

	r.Image = o.Image
	r.EnvironmentURL = o.EnvironmentURL
	r.Attempts = o.Attempts
	r.Message = o.Message
	return nil
}

// =============================================================================
// Deploy Outcome
// =============================================================================

// OutcomeKind tags a DeployOutcome.
type OutcomeKind string

const (
	OutcomeConverged      OutcomeKind = "converged"
	OutcomeSkipped        OutcomeKind = "skipped"
	OutcomeFailed         OutcomeKind = "failed"
	OutcomeRolloutTimeout OutcomeKind = "rollout_timeout"
)

// DeployOutcome is the result of promoting an image to one target.
type DeployOutcome struct {
	Kind           OutcomeKind `json:"kind"`
	Target         Target      `json:"target"`
	Image          string      `json:"image,omitempty"`
	EnvironmentURL string      `json:"environment_url,omitempty"`
	Attempts       int         `json:"attempts"`
	Message        string      `json:"message,omitempty"`
	Err            error       `json:"-"`
}

// State maps the outcome onto the terminal target state.
func (o DeployOutcome) State() TargetState {
	switch o.Kind {
	case OutcomeConverged:
		return StateConverged
	case OutcomeSkipped:
		return StateSkipped
	case OutcomeRolloutTimeout:
		return StateRolloutTimeout
	default:
		return StateFailed
	}
}

// OK reports whether the outcome needs no intervention.
func (o DeployOutcome) OK() bool {
	return o.Kind == OutcomeConverged || o.Kind == OutcomeSkipped
}

// SkippedOutcome builds an informational Skipped outcome.
func SkippedOutcome(target Target, reason string) DeployOutcome {
	return DeployOutcome{
		Kind:    OutcomeSkipped,
		Target:  target,
		Message: reason,
	}
}

// FailedOutcome builds an outcome from err, choosing RolloutTimeout when err
// carries that classification.
func FailedOutcome(target Target, image ImageRef, attempts int, err error) DeployOutcome {
	kind := OutcomeFailed
	if KindOf(err) == ErrorKindRolloutTimeout {
		kind = OutcomeRolloutTimeout
	}
	o := DeployOutcome{
		Kind:     kind,
		Target:   target,
		Image:    image.String(),
		Attempts: attempts,
		Err:      err,
	}
	if err != nil {
		o.Message = err.Error()
	}
	return o
}
