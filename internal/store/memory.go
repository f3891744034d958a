package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haldanesmith/agentloop/internal/checkpoint"
	"github.com/haldanesmith/agentloop/internal/task"
)

// Memory is an in-process store. Values are deep-copied on the way in and
// out so callers never share mutable state with the store.
type Memory struct {
	mu          sync.Mutex
	checkpoints map[string][]checkpoint.Checkpoint
	policies    map[string]checkpoint.AutoPolicy
	tasks       map[string]*task.Task
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string][]checkpoint.Checkpoint),
		policies:    make(map[string]checkpoint.AutoPolicy),
		tasks:       make(map[string]*task.Task),
	}
}

// InsertCheckpoint assigns the next version for the task and stores the row
func (m *Memory) InsertCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copyCheckpoint(*cp)
	stored.Version = len(m.checkpoints[cp.TaskID]) + 1
	m.checkpoints[cp.TaskID] = append(m.checkpoints[cp.TaskID], stored)

	cp.Version = stored.Version
	return stored.Version, nil
}

// ListCheckpoints returns all checkpoints for a task, version ascending
func (m *Memory) ListCheckpoints(ctx context.Context, taskID string) ([]checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.checkpoints[taskID]
	out := make([]checkpoint.Checkpoint, len(rows))
	for i, cp := range rows {
		out[i] = copyCheckpoint(cp)
	}
	return out, nil
}

// GetCheckpoint returns the checkpoint at the given version
func (m *Memory) GetCheckpoint(ctx context.Context, taskID string, version int) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cp := range m.checkpoints[taskID] {
		if cp.Version == version {
			out := copyCheckpoint(cp)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("task %s version %d: %w", taskID, version, checkpoint.ErrNotFound)
}

// LatestValidCheckpoint returns the highest-version checkpoint with IsValid set
func (m *Memory) LatestValidCheckpoint(ctx context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.checkpoints[taskID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].IsValid {
			out := copyCheckpoint(rows[i])
			return &out, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", taskID, checkpoint.ErrNotFound)
}

// SaveAutoPolicy persists the auto-checkpoint policy for a task
func (m *Memory) SaveAutoPolicy(ctx context.Context, taskID string, policy checkpoint.AutoPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[taskID] = policy
	return nil
}

// GetAutoPolicy returns the persisted policy for a task
func (m *Memory) GetAutoPolicy(ctx context.Context, taskID string) (*checkpoint.AutoPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy, ok := m.policies[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s auto policy: %w", taskID, checkpoint.ErrNotFound)
	}
	out := policy
	return &out, nil
}

// CreateTask stores a new task row
func (m *Memory) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}

	cp, err := copyTask(t)
	if err != nil {
		return err
	}
	m.tasks[t.ID] = cp
	return nil
}

// GetTask returns the task row for an id
func (m *Memory) GetTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return copyTask(t)
}

// UpdateTask replaces the stored row for the task's id
func (m *Memory) UpdateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrTaskNotFound)
	}

	cp, err := copyTask(t)
	if err != nil {
		return err
	}
	m.tasks[t.ID] = cp
	return nil
}

// copyCheckpoint copies a checkpoint including its raw snapshot bytes, so
// the store and its callers never share backing arrays. Nil snapshots stay
// nil.
func copyCheckpoint(cp checkpoint.Checkpoint) checkpoint.Checkpoint {
	cp.State = append(json.RawMessage(nil), cp.State...)
	cp.Context = append(json.RawMessage(nil), cp.Context...)
	cp.Messages = append(json.RawMessage(nil), cp.Messages...)
	return cp
}

// copyTask deep-copies a task through JSON
func copyTask(t *task.Task) (*task.Task, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to copy task: %w", err)
	}
	var out task.Task
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy task: %w", err)
	}
	return &out, nil
}
