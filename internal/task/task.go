// Package task defines the task record and its lifecycle state machine.
package task

import (
	"fmt"
	"time"

	"github.com/haldanesmith/agentloop/internal/plan"
)

// State represents the lifecycle state of a task
type State string

const (
	StateIdle        State = "idle"
	StatePlanning    State = "planning"
	StateExecuting   State = "executing"
	StateWaitingUser State = "waiting_user"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// allowedTransitions is the full transition table. A state missing a target
// rejects the transition; terminal states have empty target sets.
var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StatePlanning: {},
	},
	StatePlanning: {
		StateExecuting: {},
		StateFailed:    {},
	},
	StateExecuting: {
		StateWaitingUser: {},
		StateCompleted:   {},
		StateFailed:      {},
		StateCancelled:   {},
	},
	StateWaitingUser: {
		StateExecuting: {},
		StateCancelled: {},
	},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// InvalidTransitionError reports an attempted illegal lifecycle transition
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task transition: %s -> %s", e.From, e.To)
}

// IsTerminal reports whether a state has no outgoing transitions
func IsTerminal(s State) bool {
	return len(allowedTransitions[s]) == 0
}

// ValidState reports whether s is a known lifecycle state
func ValidState(s State) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Attachment is a file reference included in a task result
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// Result is the final payload delivered to the user on completion
type Result struct {
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments"`
}

// Task is one unit of autonomous work, created per user-submitted prompt.
// ID, UserID and Prompt are immutable once created. Result is set iff the
// task completes with a delivered result; Error is set iff the task fails.
type Task struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Prompt         string     `json:"prompt"`
	State          State      `json:"state"`
	Plan           *plan.Plan `json:"plan,omitempty"`
	CurrentPhaseID int        `json:"current_phase_id"`
	Error          string     `json:"error,omitempty"`
	Result         *Result    `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// New creates a task in the idle state
func New(id, userID, prompt string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		UserID:    userID,
		Prompt:    prompt,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the task to next if the transition table allows it.
// On rejection the task is left unchanged and an *InvalidTransitionError
// is returned. CompletedAt is stamped only when entering a terminal state.
func (t *Task) Transition(next State) error {
	if _, ok := allowedTransitions[t.State][next]; !ok {
		return &InvalidTransitionError{From: t.State, To: next}
	}

	t.State = next
	now := time.Now().UTC()
	t.UpdatedAt = now

	if IsTerminal(next) {
		t.CompletedAt = &now
	}

	return nil
}

// Terminal reports whether the task has reached a terminal state
func (t *Task) Terminal() bool {
	return IsTerminal(t.State)
}
