package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haldanesmith/agentloop/internal/checkpoint"
	"github.com/haldanesmith/agentloop/internal/task"
)

// sqliteSchema creates the tables the orchestrator needs. Kept minimal:
// plan and result are stored as JSON text since the orchestrator only ever
// round-trips them whole.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL DEFAULT '',
		prompt           TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL DEFAULT 'idle',
		plan_json        TEXT,
		current_phase_id INTEGER NOT NULL DEFAULT 0,
		error            TEXT NOT NULL DEFAULT '',
		result_json      TEXT,
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL,
		completed_at     DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id                TEXT PRIMARY KEY,
		task_id           TEXT NOT NULL,
		version           INTEGER NOT NULL,
		step_number       INTEGER NOT NULL DEFAULT 0,
		checkpoint_type   TEXT NOT NULL DEFAULT 'manual',
		state_snapshot    TEXT NOT NULL DEFAULT '',
		context_snapshot  TEXT,
		messages_snapshot TEXT,
		description       TEXT NOT NULL DEFAULT '',
		is_valid          INTEGER NOT NULL DEFAULT 1,
		created_at        DATETIME NOT NULL,
		UNIQUE(task_id, version)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id);`,
	`CREATE TABLE IF NOT EXISTS checkpoint_policies (
		task_id     TEXT PRIMARY KEY,
		enabled     INTEGER NOT NULL DEFAULT 0,
		interval_ms INTEGER NOT NULL DEFAULT 0
	);`,
}

// SQLite is a file-backed store for local hosts
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids lock churn
	// between the loop and the checkpoint scheduler.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

// Close releases the database handle
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertCheckpoint assigns the next version inside a transaction and
// inserts the row. MAX(version)+1 under SQLite's single-writer lock keeps
// versions strictly increasing with no client-introduced gaps.
func (s *SQLite) InsertCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE task_id = ?`,
		cp.TaskID,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to compute next version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints
			(id, task_id, version, step_number, checkpoint_type, state_snapshot,
			 context_snapshot, messages_snapshot, description, is_valid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, version, cp.StepNumber, string(cp.Type), string(cp.State),
		nullableJSON(cp.Context), nullableJSON(cp.Messages), cp.Description,
		boolToInt(cp.IsValid), cp.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	cp.Version = version
	return version, nil
}

// ListCheckpoints returns all checkpoints for a task, version ascending
func (s *SQLite) ListCheckpoints(ctx context.Context, taskID string) ([]checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCheckpointSQL+` WHERE task_id = ? ORDER BY version ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// GetCheckpoint returns the checkpoint at the given version
func (s *SQLite) GetCheckpoint(ctx context.Context, taskID string, version int) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		selectCheckpointSQL+` WHERE task_id = ? AND version = ?`, taskID, version)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s version %d: %w", taskID, version, checkpoint.ErrNotFound)
	}
	return cp, err
}

// LatestValidCheckpoint returns the highest-version valid checkpoint
func (s *SQLite) LatestValidCheckpoint(ctx context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		selectCheckpointSQL+` WHERE task_id = ? AND is_valid = 1 ORDER BY version DESC LIMIT 1`, taskID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, checkpoint.ErrNotFound)
	}
	return cp, err
}

// SaveAutoPolicy upserts the auto-checkpoint policy for a task
func (s *SQLite) SaveAutoPolicy(ctx context.Context, taskID string, policy checkpoint.AutoPolicy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_policies (task_id, enabled, interval_ms) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET enabled = excluded.enabled, interval_ms = excluded.interval_ms`,
		taskID, boolToInt(policy.Enabled), policy.IntervalMs)
	if err != nil {
		return fmt.Errorf("failed to save auto policy: %w", err)
	}
	return nil
}

// GetAutoPolicy returns the persisted policy for a task
func (s *SQLite) GetAutoPolicy(ctx context.Context, taskID string) (*checkpoint.AutoPolicy, error) {
	var enabled int
	var intervalMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, interval_ms FROM checkpoint_policies WHERE task_id = ?`, taskID,
	).Scan(&enabled, &intervalMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s auto policy: %w", taskID, checkpoint.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query auto policy: %w", err)
	}

	return &checkpoint.AutoPolicy{Enabled: enabled != 0, IntervalMs: intervalMs}, nil
}

// CreateTask inserts a new task row
func (s *SQLite) CreateTask(ctx context.Context, t *task.Task) error {
	planJSON, resultJSON, err := marshalTaskBlobs(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks
			(id, user_id, prompt, state, plan_json, current_phase_id, error,
			 result_json, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Prompt, string(t.State), planJSON, t.CurrentPhaseID,
		t.Error, resultJSON, t.CreatedAt, t.UpdatedAt, nullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask returns the task row for an id
func (s *SQLite) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, prompt, state, plan_json, current_phase_id, error,
		        result_json, created_at, updated_at, completed_at
		 FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return t, err
}

// UpdateTask replaces the mutable columns of a task row
func (s *SQLite) UpdateTask(ctx context.Context, t *task.Task) error {
	planJSON, resultJSON, err := marshalTaskBlobs(t)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, plan_json = ?, current_phase_id = ?, error = ?,
		        result_json = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(t.State), planJSON, t.CurrentPhaseID, t.Error, resultJSON,
		t.UpdatedAt, nullableTime(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrTaskNotFound)
	}
	return nil
}

const selectCheckpointSQL = `SELECT id, task_id, version, step_number, checkpoint_type,
	state_snapshot, context_snapshot, messages_snapshot, description, is_valid, created_at
	FROM checkpoints`

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	var typ, state string
	var contextSnap, messagesSnap sql.NullString
	var isValid int

	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Version, &cp.StepNumber, &typ,
		&state, &contextSnap, &messagesSnap, &cp.Description, &isValid, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	cp.Type = checkpoint.Type(typ)
	cp.State = json.RawMessage(state)
	if contextSnap.Valid {
		cp.Context = json.RawMessage(contextSnap.String)
	}
	if messagesSnap.Valid {
		cp.Messages = json.RawMessage(messagesSnap.String)
	}
	cp.IsValid = isValid != 0

	return &cp, nil
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var state string
	var planJSON, resultJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.UserID, &t.Prompt, &state, &planJSON, &t.CurrentPhaseID,
		&t.Error, &resultJSON, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.State = task.State(state)
	if planJSON.Valid && planJSON.String != "" {
		if err := json.Unmarshal([]byte(planJSON.String), &t.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}

	return &t, nil
}

func marshalTaskBlobs(t *task.Task) (planJSON, resultJSON sql.NullString, err error) {
	if t.Plan != nil {
		data, merr := json.Marshal(t.Plan)
		if merr != nil {
			return planJSON, resultJSON, fmt.Errorf("failed to encode plan: %w", merr)
		}
		planJSON = sql.NullString{String: string(data), Valid: true}
	}
	if t.Result != nil {
		data, merr := json.Marshal(t.Result)
		if merr != nil {
			return planJSON, resultJSON, fmt.Errorf("failed to encode result: %w", merr)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	return planJSON, resultJSON, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
