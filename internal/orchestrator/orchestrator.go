// Package orchestrator drives one autonomous task from submission to a
// terminal state through a bounded plan-act-observe loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haldanesmith/agentloop/internal/checkpoint"
	"github.com/haldanesmith/agentloop/internal/events"
	"github.com/haldanesmith/agentloop/internal/llm"
	"github.com/haldanesmith/agentloop/internal/plan"
	"github.com/haldanesmith/agentloop/internal/task"
	"github.com/haldanesmith/agentloop/internal/tool"
)

// ErrMaxIterations is the fixed error text for an exhausted iteration budget
const ErrMaxIterations = "Maximum iterations reached"

// DefaultMaxIterations bounds the loop when no budget is configured
const DefaultMaxIterations = 50

// ActionSelector chooses the next typed action from the transcript
type ActionSelector interface {
	NextAction(ctx context.Context, transcript []llm.Message, catalog []tool.Def, p *plan.Plan, currentPhaseID int) (*tool.Action, llm.TokenUsage, error)
}

// ToolDispatcher executes one action against the task
type ToolDispatcher interface {
	Dispatch(ctx context.Context, t *task.Task, act *tool.Action) tool.Result
}

// TaskStore persists task records across host restarts
type TaskStore interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
}

// Options configures one orchestrator instance
type Options struct {
	Selector      ActionSelector
	Dispatcher    ToolDispatcher
	Checkpoints   *checkpoint.Manager
	Tasks         TaskStore
	Bus           *events.Bus
	Logger        *slog.Logger
	MaxIterations int
}

// Orchestrator owns one Task and its transcript for the duration of an
// ExecuteTask or ResumeTask invocation. The mutex guards the task,
// transcript and iteration counter against concurrent snapshot reads from
// the auto-checkpoint scheduler; the loop itself is sequential.
type Orchestrator struct {
	selector      ActionSelector
	dispatcher    ToolDispatcher
	checkpoints   *checkpoint.Manager
	tasks         TaskStore
	bus           *events.Bus
	logger        *slog.Logger
	maxIterations int

	mu         sync.Mutex
	task       *task.Task
	messages   []llm.Message
	iteration  int
	tokensUsed int
	startedAt  time.Time
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		selector:      opts.Selector,
		dispatcher:    opts.Dispatcher,
		checkpoints:   opts.Checkpoints,
		tasks:         opts.Tasks,
		bus:           opts.Bus,
		logger:        opts.Logger,
		maxIterations: opts.MaxIterations,
	}
}

// ExecuteTask runs a fresh task through the loop until it reaches a
// terminal state or suspends awaiting user input. The returned task is
// the orchestrator-owned record.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID, prompt, userID string) (*task.Task, error) {
	if taskID == "" {
		taskID = uuid.New().String()
	}

	t := task.New(taskID, userID, prompt)

	o.mu.Lock()
	o.task = t
	o.messages = []llm.Message{{Role: "user", Content: prompt}}
	o.iteration = 0
	o.tokensUsed = 0
	o.startedAt = time.Now().UTC()
	o.mu.Unlock()

	if o.tasks != nil {
		if err := o.tasks.CreateTask(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to persist task: %w", err)
		}
	}

	o.bus.Emit(events.TypeTaskStarted, map[string]any{
		"task_id": t.ID,
		"user_id": t.UserID,
		"prompt":  t.Prompt,
	})

	if err := o.transition(ctx, task.StatePlanning); err != nil {
		return nil, err
	}

	o.runLoop(ctx)
	return t, nil
}

// ResumeTask reattaches to an existing task, typically rehydrated from a
// checkpoint, appends the user's reply and re-enters the loop. Resuming a
// task that is not waiting for user input returns an InvalidTransition
// without corrupting state.
func (o *Orchestrator) ResumeTask(ctx context.Context, t *task.Task, userInput string) (*task.Task, error) {
	o.mu.Lock()
	if o.task == nil || o.task.ID != t.ID {
		o.task = t
		o.iteration = 0
		o.tokensUsed = 0
	}
	if o.startedAt.IsZero() {
		o.startedAt = time.Now().UTC()
	}
	o.messages = append(o.messages, llm.Message{Role: "user", Content: userInput})
	o.mu.Unlock()

	if err := o.transition(ctx, task.StateExecuting); err != nil {
		return nil, err
	}

	o.runLoop(ctx)
	return t, nil
}

// RestoreTranscript replaces the transcript, used when rehydrating from a
// checkpoint's messages snapshot before ResumeTask.
func (o *Orchestrator) RestoreTranscript(t *task.Task, messages []llm.Message, step int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.task = t
	o.messages = append([]llm.Message(nil), messages...)
	o.iteration = step
}

// CancelTask moves a non-terminal task to cancelled. Cancellation is
// cooperative: a tool call already dispatched is allowed to finish, and
// the loop observes the terminal state at its next check. Cancelling an
// already-terminal task is a no-op.
func (o *Orchestrator) CancelTask(ctx context.Context) {
	o.mu.Lock()
	t := o.task
	o.mu.Unlock()

	if t == nil || t.Terminal() {
		return
	}

	if err := o.transition(ctx, task.StateCancelled); err != nil {
		// Lost the race with a terminal transition: nothing to do.
		o.logger.Debug("cancel ignored", "task_id", t.ID, "error", err)
	}
}

// Task returns the orchestrator-owned task record
func (o *Orchestrator) Task() *task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.task
}

// StateSnapshot captures the loop state for checkpointing. Safe to call
// from the auto-checkpoint scheduler at arbitrary times.
func (o *Orchestrator) StateSnapshot() (checkpoint.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.task == nil {
		return checkpoint.Snapshot{}, fmt.Errorf("no task attached")
	}

	stateJSON, err := json.Marshal(o.task)
	if err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("failed to snapshot task: %w", err)
	}
	messagesJSON, err := json.Marshal(o.messages)
	if err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("failed to snapshot transcript: %w", err)
	}

	return checkpoint.Snapshot{
		Step:     o.iteration,
		State:    stateJSON,
		Messages: messagesJSON,
	}, nil
}

// runLoop is the plan-act-observe iteration shared by execute and resume
func (o *Orchestrator) runLoop(ctx context.Context) {
	t := o.Task()

	for {
		o.mu.Lock()
		terminal := t.Terminal()
		budgetLeft := o.iteration < o.maxIterations
		o.mu.Unlock()

		if terminal {
			return
		}
		if !budgetLeft {
			o.handleError(ctx, ErrMaxIterations)
			return
		}

		o.mu.Lock()
		o.iteration++
		iteration := o.iteration
		transcript := append([]llm.Message(nil), o.messages...)
		currentPlan := t.Plan
		currentPhase := t.CurrentPhaseID
		o.mu.Unlock()

		o.bus.Emit(events.TypeThinking, map[string]any{"iteration": iteration})

		act, usage, err := o.selector.NextAction(ctx, transcript, tool.Catalog(), currentPlan, currentPhase)
		if err != nil || act == nil {
			msg := "action selection failed"
			if err != nil {
				msg = fmt.Sprintf("action selection failed: %v", err)
			}
			o.handleError(ctx, msg)
			return
		}

		o.mu.Lock()
		o.tokensUsed += usage.TotalTokens
		o.mu.Unlock()

		if act.Dangerous() {
			o.checkpointPreDangerous(ctx, t, iteration, act.Name())
		}

		o.bus.Emit(events.TypeToolStarted, map[string]any{"tool": act.Name()})
		res := o.dispatchLocked(ctx, t, act)
		o.bus.Emit(events.TypeToolCompleted, map[string]any{
			"tool":    act.Name(),
			"success": res.Success,
		})

		// The model must see its own prior tool outputs verbatim.
		resultJSON, merr := json.Marshal(res)
		if merr != nil {
			resultJSON = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, merr.Error()))
		}
		o.mu.Lock()
		o.messages = append(o.messages, llm.Message{Role: "assistant", Content: string(resultJSON)})
		o.mu.Unlock()

		o.persist(ctx, t)

		if act.Plan != nil && res.Success {
			switch act.Plan.Action {
			case tool.PlanActionUpdate:
				// plan_created follows tool_completed so listeners see
				// the tool call close before the plan announcement.
				o.bus.Emit(events.TypePlanCreated, map[string]any{
					"goal":   act.Plan.Goal,
					"phases": len(act.Plan.Phases),
				})
			case tool.PlanActionAdvance:
				completed := 0
				if act.Plan.CurrentPhaseID != nil {
					completed = *act.Plan.CurrentPhaseID
				}
				o.checkpointPostPhase(ctx, t, iteration, completed)
			}
		}

		if act.DeliversResult() && res.Success {
			if err := o.transition(ctx, task.StateCompleted); err != nil {
				o.logger.Warn("completion transition rejected", "task_id", t.ID, "error", err)
			}
			o.checkpointCompleted(ctx, t, iteration)
			return
		}

		if act.WantsUserInput() && res.Success {
			if err := o.transition(ctx, task.StateWaitingUser); err != nil {
				o.logger.Warn("suspension transition rejected", "task_id", t.ID, "error", err)
				continue
			}
			o.checkpointWaitingUser(ctx, t, iteration)
			return
		}
	}
}

// dispatchLocked runs the tool under the state mutex: plan and message
// handlers mutate the task, and the snapshot accessor must never observe
// a half-applied mutation.
func (o *Orchestrator) dispatchLocked(ctx context.Context, t *task.Task, act *tool.Action) tool.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dispatcher.Dispatch(ctx, t, act)
}

// transition drives the state machine and persists the task
func (o *Orchestrator) transition(ctx context.Context, next task.State) error {
	o.mu.Lock()
	err := o.task.Transition(next)
	t := o.task
	o.mu.Unlock()

	if err != nil {
		return err
	}

	o.persist(ctx, t)
	return nil
}

// handleError ends the task in failed with a populated error string.
// An InvalidTransition from an already-terminal state is swallowed; there
// is no silent termination path otherwise.
func (o *Orchestrator) handleError(ctx context.Context, message string) {
	o.mu.Lock()
	o.task.Error = message
	o.mu.Unlock()

	if err := o.transition(ctx, task.StateFailed); err != nil {
		o.logger.Debug("already terminal, keeping state", "task_id", o.Task().ID, "error", err)
		o.persist(ctx, o.Task())
	}

	o.bus.Emit(events.TypeTaskFailed, map[string]any{
		"task_id": o.Task().ID,
		"error":   message,
	})
}

func (o *Orchestrator) persist(ctx context.Context, t *task.Task) {
	if o.tasks == nil {
		return
	}
	if err := o.tasks.UpdateTask(ctx, t); err != nil {
		o.logger.Warn("failed to persist task", "task_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) checkpointPreDangerous(ctx context.Context, t *task.Task, step int, toolName string) {
	if o.checkpoints == nil {
		return
	}
	snap, err := o.StateSnapshot()
	if err != nil {
		o.logger.Warn("pre-dangerous snapshot failed", "task_id", t.ID, "error", err)
		return
	}
	if _, err := o.checkpoints.PreDangerous(ctx, t.ID, step, snap.State, snap.Messages, toolName); err != nil {
		o.logger.Warn("pre-dangerous checkpoint failed", "task_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) checkpointPostPhase(ctx context.Context, t *task.Task, step, phaseID int) {
	if o.checkpoints == nil {
		return
	}
	snap, err := o.StateSnapshot()
	if err != nil {
		o.logger.Warn("post-phase snapshot failed", "task_id", t.ID, "error", err)
		return
	}
	if _, err := o.checkpoints.PostPhase(ctx, t.ID, step, snap.State, snap.Messages, phaseID); err != nil {
		o.logger.Warn("post-phase checkpoint failed", "task_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) checkpointWaitingUser(ctx context.Context, t *task.Task, step int) {
	if o.checkpoints == nil {
		return
	}
	snap, err := o.StateSnapshot()
	if err != nil {
		o.logger.Warn("suspension snapshot failed", "task_id", t.ID, "error", err)
		return
	}
	if _, err := o.checkpoints.OnWaitingUser(ctx, t.ID, step, snap.State, snap.Messages); err != nil {
		o.logger.Warn("suspension checkpoint failed", "task_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) checkpointCompleted(ctx context.Context, t *task.Task, step int) {
	if o.checkpoints == nil {
		return
	}
	snap, err := o.StateSnapshot()
	if err != nil {
		o.logger.Warn("completion snapshot failed", "task_id", t.ID, "error", err)
		return
	}

	o.mu.Lock()
	usage := checkpoint.Usage{
		TokensUsed: o.tokensUsed,
		DurationMs: time.Since(o.startedAt).Milliseconds(),
	}
	o.mu.Unlock()

	if _, err := o.checkpoints.OnCompleted(ctx, t.ID, step, snap.State, snap.Messages, usage); err != nil {
		o.logger.Warn("completion checkpoint failed", "task_id", t.ID, "error", err)
	}
}
