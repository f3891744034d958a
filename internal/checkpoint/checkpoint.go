// Package checkpoint provides versioned, durable snapshots of task state
// and the background scheduler that writes them periodically.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type classifies why a checkpoint was taken
type Type string

const (
	TypeManual       Type = "manual"
	TypeAuto         Type = "auto"
	TypePreDangerous Type = "pre_dangerous"
	TypePostPhase    Type = "post_phase"
)

// ErrNotFound is returned when no matching checkpoint exists
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one versioned snapshot of task state. Versions are strictly
// increasing per task and assigned by the store, never by the client, so
// the main loop and the background scheduler cannot race on them.
type Checkpoint struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Version     int             `json:"version"`
	StepNumber  int             `json:"step_number"`
	Type        Type            `json:"checkpoint_type"`
	State       json.RawMessage `json:"state_snapshot"`
	Context     json.RawMessage `json:"context_snapshot,omitempty"`
	Messages    json.RawMessage `json:"messages_snapshot,omitempty"`
	Description string          `json:"description,omitempty"`
	IsValid     bool            `json:"is_valid"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AutoPolicy is the persisted auto-checkpoint configuration for a task.
// It survives restarts of whatever host runs the loop.
type AutoPolicy struct {
	Enabled    bool  `json:"enabled"`
	IntervalMs int64 `json:"interval_ms"`
}

// Interval returns the policy interval as a duration
func (p AutoPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// Store is the durable backend for checkpoint rows. InsertCheckpoint
// assigns the version atomically; implementations must serialize writes
// per task id.
type Store interface {
	InsertCheckpoint(ctx context.Context, cp *Checkpoint) (version int, err error)
	ListCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error)
	GetCheckpoint(ctx context.Context, taskID string, version int) (*Checkpoint, error)
	LatestValidCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)
	SaveAutoPolicy(ctx context.Context, taskID string, policy AutoPolicy) error
	GetAutoPolicy(ctx context.Context, taskID string) (*AutoPolicy, error)
}

// CreateParams describes one checkpoint to create
type CreateParams struct {
	TaskID      string
	StepNumber  int
	Type        Type
	State       json.RawMessage
	Context     json.RawMessage
	Messages    json.RawMessage
	Description string
}

// Created identifies a stored checkpoint
type Created struct {
	CheckpointID string `json:"checkpoint_id"`
	Version      int    `json:"version"`
}

// Restored is the payload of a restore call
type Restored struct {
	RestoredVersion int             `json:"restored_version"`
	RestoredStep    int             `json:"restored_step"`
	State           json.RawMessage `json:"state_snapshot"`
	Context         json.RawMessage `json:"context_snapshot,omitempty"`
	Messages        json.RawMessage `json:"messages_snapshot,omitempty"`
}

// Usage summarizes resource consumption for completion checkpoints
type Usage struct {
	TokensUsed int   `json:"tokens_used"`
	DurationMs int64 `json:"duration_ms"`
}

// Manager is the checkpoint store client
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a checkpoint manager
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Create writes one checkpoint. The store assigns the version.
func (m *Manager) Create(ctx context.Context, p CreateParams) (Created, error) {
	if p.TaskID == "" {
		return Created{}, fmt.Errorf("task id is required")
	}
	if p.Type == "" {
		p.Type = TypeManual
	}

	cp := &Checkpoint{
		ID:          uuid.New().String(),
		TaskID:      p.TaskID,
		StepNumber:  p.StepNumber,
		Type:        p.Type,
		State:       p.State,
		Context:     p.Context,
		Messages:    p.Messages,
		Description: p.Description,
		IsValid:     true,
		CreatedAt:   time.Now().UTC(),
	}

	version, err := m.store.InsertCheckpoint(ctx, cp)
	if err != nil {
		return Created{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint created",
		"task_id", p.TaskID,
		"version", version,
		"type", string(p.Type),
		"step", p.StepNumber)

	return Created{CheckpointID: cp.ID, Version: version}, nil
}

// List returns all checkpoints for a task ordered by version ascending
func (m *Manager) List(ctx context.Context, taskID string) ([]Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return cps, nil
}

// Restore returns the snapshot at the given version. A nil version means
// the latest checkpoint with IsValid set. Restore is idempotent: the same
// version always yields the same snapshot.
func (m *Manager) Restore(ctx context.Context, taskID string, version *int) (*Restored, error) {
	var cp *Checkpoint
	var err error

	if version == nil {
		cp, err = m.store.LatestValidCheckpoint(ctx, taskID)
	} else {
		cp, err = m.store.GetCheckpoint(ctx, taskID, *version)
	}
	if err != nil {
		return nil, err
	}

	return &Restored{
		RestoredVersion: cp.Version,
		RestoredStep:    cp.StepNumber,
		State:           cp.State,
		Context:         cp.Context,
		Messages:        cp.Messages,
	}, nil
}

// ConfigureAuto persists the auto-checkpoint policy for a task
func (m *Manager) ConfigureAuto(ctx context.Context, taskID string, enabled bool, interval time.Duration) error {
	policy := AutoPolicy{Enabled: enabled, IntervalMs: interval.Milliseconds()}
	if err := m.store.SaveAutoPolicy(ctx, taskID, policy); err != nil {
		return fmt.Errorf("failed to save auto-checkpoint policy: %w", err)
	}
	return nil
}

// AutoPolicy loads the persisted policy, or nil if none was configured
func (m *Manager) AutoPolicy(ctx context.Context, taskID string) (*AutoPolicy, error) {
	return m.store.GetAutoPolicy(ctx, taskID)
}

// PreDangerous checkpoints before a tool call flagged dangerous
func (m *Manager) PreDangerous(ctx context.Context, taskID string, step int, state, messages json.RawMessage, toolName string) (Created, error) {
	return m.Create(ctx, CreateParams{
		TaskID:      taskID,
		StepNumber:  step,
		Type:        TypePreDangerous,
		State:       state,
		Messages:    messages,
		Description: fmt.Sprintf("before dangerous tool: %s", toolName),
	})
}

// PostPhase checkpoints after a plan phase completes
func (m *Manager) PostPhase(ctx context.Context, taskID string, step int, state, messages json.RawMessage, phaseID int) (Created, error) {
	return m.Create(ctx, CreateParams{
		TaskID:      taskID,
		StepNumber:  step,
		Type:        TypePostPhase,
		State:       state,
		Messages:    messages,
		Description: fmt.Sprintf("phase %d completed", phaseID),
	})
}

// OnWaitingUser checkpoints on transition into waiting_user
func (m *Manager) OnWaitingUser(ctx context.Context, taskID string, step int, state, messages json.RawMessage) (Created, error) {
	return m.Create(ctx, CreateParams{
		TaskID:      taskID,
		StepNumber:  step,
		Type:        TypeManual,
		State:       state,
		Messages:    messages,
		Description: "suspended awaiting user input",
	})
}

// OnCompleted checkpoints on reaching the completed state, carrying usage
// in the description and context snapshot
func (m *Manager) OnCompleted(ctx context.Context, taskID string, step int, state, messages json.RawMessage, usage Usage) (Created, error) {
	contextSnap, err := json.Marshal(usage)
	if err != nil {
		return Created{}, fmt.Errorf("failed to marshal usage: %w", err)
	}

	return m.Create(ctx, CreateParams{
		TaskID:      taskID,
		StepNumber:  step,
		Type:        TypeManual,
		State:       state,
		Context:     contextSnap,
		Messages:    messages,
		Description: fmt.Sprintf("task completed: %d tokens, %dms", usage.TokensUsed, usage.DurationMs),
	})
}
