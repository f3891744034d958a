package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haldanesmith/agentloop/internal/checkpoint"
	"github.com/haldanesmith/agentloop/internal/task"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL DEFAULT '',
		prompt           TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL DEFAULT 'idle',
		plan_json        JSONB,
		current_phase_id INTEGER NOT NULL DEFAULT 0,
		error            TEXT NOT NULL DEFAULT '',
		result_json      JSONB,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		completed_at     TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id                TEXT PRIMARY KEY,
		task_id           TEXT NOT NULL,
		version           INTEGER NOT NULL,
		step_number       INTEGER NOT NULL DEFAULT 0,
		checkpoint_type   TEXT NOT NULL DEFAULT 'manual',
		state_snapshot    JSONB,
		context_snapshot  JSONB,
		messages_snapshot JSONB,
		description       TEXT NOT NULL DEFAULT '',
		is_valid          BOOLEAN NOT NULL DEFAULT TRUE,
		created_at        TIMESTAMPTZ NOT NULL,
		UNIQUE(task_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_policies (
		task_id     TEXT PRIMARY KEY,
		enabled     BOOLEAN NOT NULL DEFAULT FALSE,
		interval_ms BIGINT NOT NULL DEFAULT 0
	)`,
}

// Postgres is a pgx-backed store for server deployments
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the tables if they don't exist
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// InsertCheckpoint assigns the next version under a per-task advisory lock
// so concurrent writers (loop and scheduler) cannot race on versions.
func (s *Postgres) InsertCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cp.TaskID); err != nil {
		return 0, fmt.Errorf("failed to take task lock: %w", err)
	}

	var version int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE task_id = $1`,
		cp.TaskID,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to compute next version: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO checkpoints
			(id, task_id, version, step_number, checkpoint_type, state_snapshot,
			 context_snapshot, messages_snapshot, description, is_valid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cp.ID, cp.TaskID, version, cp.StepNumber, string(cp.Type),
		rawOrNil(cp.State), rawOrNil(cp.Context), rawOrNil(cp.Messages),
		cp.Description, cp.IsValid, cp.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	cp.Version = version
	return version, nil
}

// ListCheckpoints returns all checkpoints for a task, version ascending
func (s *Postgres) ListCheckpoints(ctx context.Context, taskID string) ([]checkpoint.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		pgSelectCheckpoint+` WHERE task_id = $1 ORDER BY version ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanPgCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// GetCheckpoint returns the checkpoint at the given version
func (s *Postgres) GetCheckpoint(ctx context.Context, taskID string, version int) (*checkpoint.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		pgSelectCheckpoint+` WHERE task_id = $1 AND version = $2`, taskID, version)

	cp, err := scanPgCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s version %d: %w", taskID, version, checkpoint.ErrNotFound)
	}
	return cp, err
}

// LatestValidCheckpoint returns the highest-version valid checkpoint
func (s *Postgres) LatestValidCheckpoint(ctx context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		pgSelectCheckpoint+` WHERE task_id = $1 AND is_valid ORDER BY version DESC LIMIT 1`, taskID)

	cp, err := scanPgCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, checkpoint.ErrNotFound)
	}
	return cp, err
}

// SaveAutoPolicy upserts the auto-checkpoint policy for a task
func (s *Postgres) SaveAutoPolicy(ctx context.Context, taskID string, policy checkpoint.AutoPolicy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoint_policies (task_id, enabled, interval_ms) VALUES ($1, $2, $3)
		 ON CONFLICT (task_id) DO UPDATE SET enabled = EXCLUDED.enabled, interval_ms = EXCLUDED.interval_ms`,
		taskID, policy.Enabled, policy.IntervalMs)
	if err != nil {
		return fmt.Errorf("failed to save auto policy: %w", err)
	}
	return nil
}

// GetAutoPolicy returns the persisted policy for a task
func (s *Postgres) GetAutoPolicy(ctx context.Context, taskID string) (*checkpoint.AutoPolicy, error) {
	var policy checkpoint.AutoPolicy
	err := s.pool.QueryRow(ctx,
		`SELECT enabled, interval_ms FROM checkpoint_policies WHERE task_id = $1`, taskID,
	).Scan(&policy.Enabled, &policy.IntervalMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s auto policy: %w", taskID, checkpoint.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query auto policy: %w", err)
	}
	return &policy, nil
}

// CreateTask inserts a new task row
func (s *Postgres) CreateTask(ctx context.Context, t *task.Task) error {
	planJSON, resultJSON, err := pgTaskBlobs(t)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks
			(id, user_id, prompt, state, plan_json, current_phase_id, error,
			 result_json, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.UserID, t.Prompt, string(t.State), planJSON, t.CurrentPhaseID,
		t.Error, resultJSON, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask returns the task row for an id
func (s *Postgres) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	var state string
	var planJSON, resultJSON []byte
	var completedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, prompt, state, plan_json, current_phase_id, error,
		        result_json, created_at, updated_at, completed_at
		 FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.UserID, &t.Prompt, &state, &planJSON, &t.CurrentPhaseID,
		&t.Error, &resultJSON, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	t.State = task.State(state)
	t.CompletedAt = completedAt
	if len(planJSON) > 0 {
		if err := json.Unmarshal(planJSON, &t.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}

	return &t, nil
}

// UpdateTask replaces the mutable columns of a task row
func (s *Postgres) UpdateTask(ctx context.Context, t *task.Task) error {
	planJSON, resultJSON, err := pgTaskBlobs(t)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET state = $1, plan_json = $2, current_phase_id = $3, error = $4,
		        result_json = $5, updated_at = $6, completed_at = $7
		 WHERE id = $8`,
		string(t.State), planJSON, t.CurrentPhaseID, t.Error, resultJSON,
		t.UpdatedAt, t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrTaskNotFound)
	}
	return nil
}

const pgSelectCheckpoint = `SELECT id, task_id, version, step_number, checkpoint_type,
	state_snapshot, context_snapshot, messages_snapshot, description, is_valid, created_at
	FROM checkpoints`

func scanPgCheckpoint(row pgx.Row) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	var typ string
	var state, contextSnap, messagesSnap []byte

	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Version, &cp.StepNumber, &typ,
		&state, &contextSnap, &messagesSnap, &cp.Description, &cp.IsValid, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	cp.Type = checkpoint.Type(typ)
	cp.State = json.RawMessage(state)
	if len(contextSnap) > 0 {
		cp.Context = json.RawMessage(contextSnap)
	}
	if len(messagesSnap) > 0 {
		cp.Messages = json.RawMessage(messagesSnap)
	}

	return &cp, nil
}

// rawOrNil maps an empty snapshot to SQL NULL instead of an invalid
// zero-length JSONB value.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func pgTaskBlobs(t *task.Task) (planJSON, resultJSON []byte, err error) {
	if t.Plan != nil {
		planJSON, err = json.Marshal(t.Plan)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode plan: %w", err)
		}
	}
	if t.Result != nil {
		resultJSON, err = json.Marshal(t.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode result: %w", err)
		}
	}
	return planJSON, resultJSON, nil
}
