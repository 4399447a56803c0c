package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/validflow/types"
)

// State is a workflow life-cycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// validTransitions defines the legal workflow state machine. Terminal
// states have no outgoing edges.
var validTransitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:  {StateRunning, StateFailed, StateCancelled},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Workflow is one unit of orchestrated validation work. Mutated only by
// the engine; never mutated after reaching a terminal state.
type Workflow struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	State        State          `json:"state"`
	InputParams  map[string]any `json:"input_params,omitempty"`
	TotalSteps   int            `json:"total_steps"`
	CurrentStep  int            `json:"current_step"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// NewWorkflow creates a pending workflow of the given type.
func NewWorkflow(wfType string, inputParams map[string]any) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:          uuid.NewString(),
		Type:        wfType,
		State:       StatePending,
		InputParams: inputParams,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ProgressPercent derives completion from the step counters, clamped to
// [0,100].
func (w *Workflow) ProgressPercent() float64 {
	if w.TotalSteps <= 0 {
		return 0
	}
	pct := float64(w.CurrentStep) / float64(w.TotalSteps) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// transition moves the workflow to a new state, stamping the bookkeeping
// fields. Illegal transitions are rejected.
func (w *Workflow) transition(to State) error {
	if !CanTransition(w.State, to) {
		return types.NewErrorf(types.ErrInvalidTransition,
			"workflow %s: %s -> %s", w.ID, w.State, to)
	}
	w.State = to
	now := time.Now().UTC()
	w.UpdatedAt = now
	if to.Terminal() {
		w.CompletedAt = &now
	}
	return nil
}

// Clone copies the workflow for read-model callers.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	if w.InputParams != nil {
		cp.InputParams = make(map[string]any, len(w.InputParams))
		for k, v := range w.InputParams {
			cp.InputParams[k] = v
		}
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Status is the read-model projection returned by GetStatus.
type Status struct {
	WorkflowID      string  `json:"workflow_id"`
	State           State   `json:"state"`
	CurrentStep     int     `json:"current_step"`
	TotalSteps      int     `json:"total_steps"`
	ProgressPercent float64 `json:"progress_percent"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// StatusOf projects a workflow into its status view.
func StatusOf(w *Workflow) Status {
	return Status{
		WorkflowID:      w.ID,
		State:           w.State,
		CurrentStep:     w.CurrentStep,
		TotalSteps:      w.TotalSteps,
		ProgressPercent: w.ProgressPercent(),
		ErrorMessage:    w.ErrorMessage,
	}
}
