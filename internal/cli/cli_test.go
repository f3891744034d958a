package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldanesmith/agentloop/internal/checkpoint"
	"github.com/haldanesmith/agentloop/internal/config"
	"github.com/haldanesmith/agentloop/internal/store"
	"github.com/haldanesmith/agentloop/internal/task"
)

func TestReportOutcomeCompleted(t *testing.T) {
	tk := task.New("t-1", "", "prompt")
	require.NoError(t, tk.Transition(task.StatePlanning))
	require.NoError(t, tk.Transition(task.StateExecuting))
	require.NoError(t, tk.Transition(task.StateCompleted))
	tk.Result = &task.Result{
		Message:     "All done.",
		Attachments: []task.Attachment{{Name: "report.pdf", Path: "/out/report.pdf", Type: "file"}},
	}

	var b strings.Builder
	require.NoError(t, reportOutcome(&b, tk))
	out := b.String()
	assert.Contains(t, out, "Task t-1 completed.")
	assert.Contains(t, out, "All done.")
	assert.Contains(t, out, "attachment: report.pdf (/out/report.pdf)")
}

func TestReportOutcomeWaitingUser(t *testing.T) {
	tk := task.New("t-1", "", "prompt")
	require.NoError(t, tk.Transition(task.StatePlanning))
	require.NoError(t, tk.Transition(task.StateExecuting))
	require.NoError(t, tk.Transition(task.StateWaitingUser))

	var b strings.Builder
	require.NoError(t, reportOutcome(&b, tk))
	assert.Contains(t, b.String(), "agentloop resume t-1")
}

func TestReportOutcomeFailed(t *testing.T) {
	tk := task.New("t-1", "", "prompt")
	require.NoError(t, tk.Transition(task.StatePlanning))
	tk.Error = "Maximum iterations reached"
	require.NoError(t, tk.Transition(task.StateFailed))

	var b strings.Builder
	err := reportOutcome(&b, tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task t-1 failed: Maximum iterations reached")
}

func TestReportOutcomeUnexpectedState(t *testing.T) {
	tk := task.New("t-1", "", "prompt")

	var b strings.Builder
	err := reportOutcome(&b, tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected state idle")
}

func TestPromptForTask(t *testing.T) {
	var out strings.Builder

	got, err := promptForTask(strings.NewReader("  build the thing  \n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "build the thing", got)

	_, err = promptForTask(strings.NewReader("\n"), &out)
	require.ErrorIs(t, err, errPromptRequired)

	_, err = promptForTask(strings.NewReader(""), &out)
	require.ErrorIs(t, err, errPromptRequired)
}

func TestFindConfigInTree(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0700))

	cfg := config.GenerateDefault()
	require.NoError(t, cfg.SaveToFile(filepath.Join(root, config.DefaultFileName)))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { os.Chdir(cwd) })
	require.NoError(t, os.Chdir(nested))

	found, err := findConfigInTree()
	require.NoError(t, err)

	// TempDir may be a symlink target; compare resolved paths
	want, err := filepath.EvalSymlinks(filepath.Join(root, config.DefaultFileName))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveWorkspace(t *testing.T) {
	cfg := &config.Config{Workspace: "workspace"}
	got := resolveWorkspace(cfg, "/etc/agentloop/agentloop.json")
	assert.Equal(t, "/etc/agentloop/workspace", got)

	cfg.Workspace = "/data/ws"
	assert.Equal(t, "/data/ws", resolveWorkspace(cfg, "/etc/agentloop/agentloop.json"))
}

func TestAutoCheckpointPolicyPrefersStored(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := checkpoint.NewManager(store.NewMemory(), logger)
	cfg := &config.Config{Auto: config.AutoCheck{Enabled: false, IntervalMs: 1000}}

	// No stored row yet, so the config default applies
	enabled, interval, err := autoCheckpointPolicy(ctx, mgr, cfg, "t-1")
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Equal(t, time.Second, interval)

	// A policy persisted by the original run wins over config
	require.NoError(t, mgr.ConfigureAuto(ctx, "t-1", true, 90*time.Second))
	enabled, interval, err = autoCheckpointPolicy(ctx, mgr, cfg, "t-1")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, 90*time.Second, interval)

	// Other tasks are unaffected
	enabled, _, err = autoCheckpointPolicy(ctx, mgr, cfg, "t-2")
	require.NoError(t, err)
	assert.False(t, enabled)
}
