package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/haldanesmith/agentloop/internal/events"
	"github.com/haldanesmith/agentloop/internal/plan"
	"github.com/haldanesmith/agentloop/internal/task"
)

// Backend executes shell, file and search calls in the sandbox. Any error
// it returns is converted into a failed Result; it never crashes the loop.
type Backend interface {
	RunShell(ctx context.Context, in ShellInput, onOutput func(chunk string)) (string, error)
	FileOp(ctx context.Context, in FileInput) (string, error)
	Search(ctx context.Context, in SearchInput) (string, error)
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Dispatcher maps a decoded action to its handler and produces a uniform
// Result. Plan and message handlers mutate the task directly; the rest are
// thin adapters over the backend.
type Dispatcher struct {
	backend Backend
	bus     *events.Bus
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(backend Backend, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{backend: backend, bus: bus, logger: logger}
}

// Dispatch executes one action against the task. Backend failures surface
// as Result{Success: false}; Dispatch itself never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task, act *Action) Result {
	switch {
	case act.Plan != nil:
		return d.handlePlan(t, act)
	case act.Message != nil:
		return d.handleMessage(t, act)
	case act.Shell != nil:
		return d.handleShell(ctx, act)
	case act.File != nil:
		return d.handleFile(ctx, act)
	case act.Search != nil:
		return d.handleSearch(ctx, act)
	case act.Generic != nil:
		return d.handleGeneric(ctx, act)
	}
	return failure(act.ToolCallID, "empty action: no tool variant populated")
}

func (d *Dispatcher) handlePlan(t *task.Task, act *Action) Result {
	in := act.Plan

	switch in.Action {
	case PlanActionUpdate:
		phases := make([]plan.Phase, len(in.Phases))
		for i, ph := range in.Phases {
			phases[i] = plan.Phase{
				ID:          ph.ID,
				Title:       ph.Title,
				Description: ph.Description,
				Status:      plan.PhaseStatus(ph.Status),
			}
		}

		t.Plan = plan.New(in.Goal, phases)
		if active := t.Plan.Active(); active != nil {
			t.CurrentPhaseID = active.ID
		}
		if in.CurrentPhaseID != nil {
			t.CurrentPhaseID = *in.CurrentPhaseID
		}

		// A plan is the precondition for leaving planning.
		if t.State == task.StatePlanning {
			if err := t.Transition(task.StateExecuting); err != nil {
				return failure(act.ToolCallID, err.Error())
			}
		}

		// The caller emits plan_created once the whole tool call has
		// completed; the dispatcher only mutates the task.
		return success(act.ToolCallID, fmt.Sprintf("Plan created with %d phases.", len(phases)))

	case PlanActionAdvance:
		if t.Plan == nil {
			return failure(act.ToolCallID, "no plan exists to advance")
		}

		currentID := 0
		if in.CurrentPhaseID != nil {
			currentID = *in.CurrentPhaseID
		}
		t.Plan.Advance(currentID, in.NextPhaseID)
		t.CurrentPhaseID = in.NextPhaseID

		d.bus.Emit(events.TypePhaseCompleted, map[string]any{"phase_id": currentID})
		d.bus.Emit(events.TypePhaseStarted, map[string]any{"phase_id": in.NextPhaseID})

		out := fmt.Sprintf("Advanced to phase %d.", in.NextPhaseID)
		if t.Plan.Active() == nil {
			d.logger.Warn("advance left no phase active",
				"current_phase_id", currentID,
				"next_phase_id", in.NextPhaseID)
			out += fmt.Sprintf(" Warning: phase %d is not in the plan; no phase is active.", in.NextPhaseID)
		}

		return success(act.ToolCallID, out)

	default:
		return failure(act.ToolCallID, fmt.Sprintf("unknown plan action: %q", in.Action))
	}
}

func (d *Dispatcher) handleMessage(t *task.Task, act *Action) Result {
	in := act.Message

	// Every message invocation populates the user-visible transcript.
	d.bus.Emit(events.TypeMessage, map[string]any{
		"role":        "assistant",
		"type":        in.Type,
		"text":        in.Text,
		"attachments": in.Attachments,
	})

	if in.Type != MessageTypeResult {
		return success(act.ToolCallID, "Message sent to user.")
	}

	attachments := make([]task.Attachment, len(in.Attachments))
	for i, p := range in.Attachments {
		attachments[i] = task.Attachment{
			Name: path.Base(p),
			Path: p,
			Type: "file",
		}
	}
	t.Result = &task.Result{Message: in.Text, Attachments: attachments}

	// The caller transitions to completed; the dispatcher never drives the
	// state machine for messages.
	return success(act.ToolCallID, ResultDelivered)
}

func (d *Dispatcher) handleShell(ctx context.Context, act *Action) Result {
	if d.backend == nil {
		return failure(act.ToolCallID, "no execution backend configured")
	}

	onOutput := func(chunk string) {
		d.bus.Emit(events.TypeToolOutput, map[string]any{
			"tool":   NameShell,
			"output": chunk,
		})
	}

	out, err := d.backend.RunShell(ctx, *act.Shell, onOutput)
	if err != nil {
		return failure(act.ToolCallID, err.Error())
	}
	return success(act.ToolCallID, out)
}

func (d *Dispatcher) handleFile(ctx context.Context, act *Action) Result {
	if d.backend == nil {
		return failure(act.ToolCallID, "no execution backend configured")
	}

	out, err := d.backend.FileOp(ctx, *act.File)
	if err != nil {
		return failure(act.ToolCallID, err.Error())
	}
	return success(act.ToolCallID, out)
}

func (d *Dispatcher) handleSearch(ctx context.Context, act *Action) Result {
	if d.backend == nil {
		return failure(act.ToolCallID, "no execution backend configured")
	}

	out, err := d.backend.Search(ctx, *act.Search)
	if err != nil {
		return failure(act.ToolCallID, err.Error())
	}
	return success(act.ToolCallID, out)
}

func (d *Dispatcher) handleGeneric(ctx context.Context, act *Action) Result {
	if d.backend == nil {
		return failure(act.ToolCallID, "no execution backend configured")
	}

	out, err := d.backend.Invoke(ctx, act.Generic.Name, act.Generic.Arguments)
	if err != nil {
		return failure(act.ToolCallID, err.Error())
	}
	return success(act.ToolCallID, out)
}

func success(id, output string) Result {
	return Result{ToolCallID: id, Success: true, Output: output}
}

func failure(id, msg string) Result {
	return Result{ToolCallID: id, Success: false, Error: msg}
}
