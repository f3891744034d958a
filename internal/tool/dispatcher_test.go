package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldanesmith/agentloop/internal/events"
	"github.com/haldanesmith/agentloop/internal/plan"
	"github.com/haldanesmith/agentloop/internal/task"
)

// fakeBackend records calls and returns scripted outputs
type fakeBackend struct {
	shellOut   string
	shellErr   error
	shellCalls []ShellInput
	fileOut    string
	fileErr    error
	searchOut  string
	searchErr  error
	chunks     []string
}

func (f *fakeBackend) RunShell(ctx context.Context, in ShellInput, onOutput func(string)) (string, error) {
	f.shellCalls = append(f.shellCalls, in)
	for _, c := range f.chunks {
		onOutput(c)
	}
	return f.shellOut, f.shellErr
}

func (f *fakeBackend) FileOp(ctx context.Context, in FileInput) (string, error) {
	return f.fileOut, f.fileErr
}

func (f *fakeBackend) Search(ctx context.Context, in SearchInput) (string, error) {
	return f.searchOut, f.searchErr
}

func (f *fakeBackend) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return "", fmt.Errorf("tool %q is not available", name)
}

func newTestDispatcher(backend Backend) (*Dispatcher, *events.Bus, *[]events.Event) {
	bus := events.NewBus()
	var seen []events.Event
	bus.Subscribe(func(evt events.Event) { seen = append(seen, evt) })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(backend, bus, logger), bus, &seen
}

func executingTask(t *testing.T) *task.Task {
	t.Helper()
	tk := task.New("t-1", "u-1", "do the thing")
	require.NoError(t, tk.Transition(task.StatePlanning))
	return tk
}

func phaseID(id int) *int { return &id }

func TestDispatchPlanUpdate(t *testing.T) {
	d, _, seen := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		ToolCallID: "call-1",
		Plan: &PlanInput{
			Action: PlanActionUpdate,
			Goal:   "write a report",
			Phases: []PlanPhaseInput{
				{ID: 1, Title: "Research"},
				{ID: 2, Title: "Draft"},
			},
		},
	})

	require.True(t, res.Success)
	assert.Equal(t, "call-1", res.ToolCallID)
	assert.Equal(t, "Plan created with 2 phases.", res.Output)

	require.NotNil(t, tk.Plan)
	assert.Equal(t, task.StateExecuting, tk.State, "plan creation leaves planning")
	assert.Equal(t, 1, tk.CurrentPhaseID)

	assert.Empty(t, *seen, "plan creation is announced by the loop after the tool call closes")
}

func TestDispatchPlanUpdateHonorsCurrentPhaseOverride(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{
			Action:         PlanActionUpdate,
			Goal:           "goal",
			Phases:         []PlanPhaseInput{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}},
			CurrentPhaseID: phaseID(2),
		},
	})

	require.True(t, res.Success)
	assert.Equal(t, 2, tk.CurrentPhaseID)
}

func TestDispatchPlanUpdateTreatsPhaseZeroAsValid(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{
			Action:         PlanActionUpdate,
			Goal:           "goal",
			Phases:         []PlanPhaseInput{{ID: 5, Title: "a"}, {ID: 0, Title: "b"}},
			CurrentPhaseID: phaseID(0),
		},
	})

	require.True(t, res.Success)
	assert.Equal(t, 0, tk.CurrentPhaseID, "an explicit phase id of 0 is an override, not an absent field")

	// Without the override the first phase stays current.
	res = d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{
			Action: PlanActionUpdate,
			Goal:   "goal",
			Phases: []PlanPhaseInput{{ID: 5, Title: "a"}, {ID: 0, Title: "b"}},
		},
	})

	require.True(t, res.Success)
	assert.Equal(t, 5, tk.CurrentPhaseID)
}

func TestDispatchPlanAdvance(t *testing.T) {
	d, _, seen := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{
			Action: PlanActionUpdate,
			Goal:   "goal",
			Phases: []PlanPhaseInput{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}},
		},
	})

	res := d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{Action: PlanActionAdvance, CurrentPhaseID: phaseID(1), NextPhaseID: 2},
	})

	require.True(t, res.Success)
	assert.Equal(t, "Advanced to phase 2.", res.Output)
	assert.Equal(t, 2, tk.CurrentPhaseID)
	assert.Equal(t, plan.PhaseCompleted, tk.Plan.Phase(1).Status)
	assert.Equal(t, plan.PhaseActive, tk.Plan.Phase(2).Status)

	var types []events.Type
	for _, evt := range *seen {
		types = append(types, evt.Type)
	}
	assert.Contains(t, types, events.TypePhaseCompleted)
	assert.Contains(t, types, events.TypePhaseStarted)
}

func TestDispatchPlanAdvanceToUnknownPhaseWarns(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{
			Action: PlanActionUpdate,
			Goal:   "goal",
			Phases: []PlanPhaseInput{{ID: 1, Title: "a"}},
		},
	})

	res := d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{Action: PlanActionAdvance, CurrentPhaseID: phaseID(1), NextPhaseID: 9},
	})

	require.True(t, res.Success, "advancing to an unknown phase succeeds with a warning")
	assert.Equal(t, 9, tk.CurrentPhaseID)
	assert.Contains(t, res.Output, "Warning: phase 9 is not in the plan")
	assert.Nil(t, tk.Plan.Active())
}

func TestDispatchPlanAdvanceWithoutPlanFails(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{Action: PlanActionAdvance, CurrentPhaseID: phaseID(1), NextPhaseID: 2},
	})

	require.False(t, res.Success)
	assert.Equal(t, "no plan exists to advance", res.Error)
}

func TestDispatchPlanUnknownAction(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Plan: &PlanInput{Action: "reset"},
	})

	require.False(t, res.Success)
	assert.Equal(t, `unknown plan action: "reset"`, res.Error)
}

func TestDispatchMessageResult(t *testing.T) {
	d, _, seen := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		ToolCallID: "call-9",
		Message: &MessageInput{
			Type:        MessageTypeResult,
			Text:        "Here is your report.",
			Attachments: []string{"/out/report.pdf"},
		},
	})

	require.True(t, res.Success)
	assert.Equal(t, ResultDelivered, res.Output)

	require.NotNil(t, tk.Result)
	assert.Equal(t, "Here is your report.", tk.Result.Message)
	require.Len(t, tk.Result.Attachments, 1)
	assert.Equal(t, task.Attachment{Name: "report.pdf", Path: "/out/report.pdf", Type: "file"}, tk.Result.Attachments[0])

	// The dispatcher never completes the task itself.
	assert.Equal(t, task.StatePlanning, tk.State)

	require.Len(t, *seen, 1)
	assert.Equal(t, events.TypeMessage, (*seen)[0].Type)
}

func TestDispatchMessageQuestion(t *testing.T) {
	d, _, seen := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Message: &MessageInput{Type: MessageTypeQuestion, Text: "Which format?"},
	})

	require.True(t, res.Success)
	assert.Equal(t, "Message sent to user.", res.Output)
	assert.Nil(t, tk.Result)
	require.Len(t, *seen, 1)
}

func TestDispatchShell(t *testing.T) {
	backend := &fakeBackend{shellOut: "hello", chunks: []string{"hel", "lo"}}
	d, _, seen := newTestDispatcher(backend)
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Shell: &ShellInput{Command: "echo hello"},
	})

	require.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)
	require.Len(t, backend.shellCalls, 1)
	assert.Equal(t, "echo hello", backend.shellCalls[0].Command)

	var outputs int
	for _, evt := range *seen {
		if evt.Type == events.TypeToolOutput {
			outputs++
		}
	}
	assert.Equal(t, 2, outputs, "streamed chunks surface as tool_output events")
}

func TestDispatchShellFailure(t *testing.T) {
	backend := &fakeBackend{shellErr: errors.New("command failed: exit status 1")}
	d, _, _ := newTestDispatcher(backend)
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Shell: &ShellInput{Command: "false"},
	})

	require.False(t, res.Success)
	assert.Equal(t, "command failed: exit status 1", res.Error)
}

func TestDispatchFileAndSearch(t *testing.T) {
	backend := &fakeBackend{fileOut: "contents", searchOut: "a.txt:1:match"}
	d, _, _ := newTestDispatcher(backend)
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		File: &FileInput{Operation: "read", Path: "a.txt"},
	})
	require.True(t, res.Success)
	assert.Equal(t, "contents", res.Output)

	res = d.Dispatch(context.Background(), tk, &Action{
		Search: &SearchInput{Query: "match"},
	})
	require.True(t, res.Success)
	assert.Equal(t, "a.txt:1:match", res.Output)
}

func TestDispatchGenericUnknownTool(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Generic: &GenericInput{Name: "browser", Arguments: json.RawMessage(`{}`)},
	})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, `tool "browser" is not available`)
}

func TestDispatchNoBackend(t *testing.T) {
	d, _, _ := newTestDispatcher(nil)
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{
		Shell: &ShellInput{Command: "ls"},
	})

	require.False(t, res.Success)
	assert.Equal(t, "no execution backend configured", res.Error)
}

func TestDispatchEmptyAction(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeBackend{})
	tk := executingTask(t)

	res := d.Dispatch(context.Background(), tk, &Action{ToolCallID: "x"})

	require.False(t, res.Success)
	assert.Equal(t, "empty action: no tool variant populated", res.Error)
}
