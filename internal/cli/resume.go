package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haldanesmith/agentloop/internal/llm"
	"github.com/haldanesmith/agentloop/internal/task"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id> <answer>",
	Short: "Resume a task that is waiting for user input",
	Long: `Resume a suspended task. The transcript is rehydrated from the latest
valid checkpoint, the answer is appended as a user turn, and the loop
continues where it stopped.`,
	Args: cobra.ExactArgs(2),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().Int("from-version", 0, "Restore from a specific checkpoint version instead of the latest")
}

func runResume(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, cfgPath, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	taskID := args[0]
	answer := args[1]

	ctx := cmd.Context()
	h, err := newHost(ctx, cmd, cfg, cfgPath, logger, true)
	if err != nil {
		return err
	}
	defer h.close()

	t, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	var version *int
	if v, _ := cmd.Flags().GetInt("from-version"); v > 0 {
		version = &v
	}

	restored, err := h.mgr.Restore(ctx, taskID, version)
	if err != nil {
		return fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	logger.Info("restored checkpoint",
		"task_id", taskID,
		"version", restored.RestoredVersion,
		"step", restored.RestoredStep)

	// The checkpointed task state wins over the store row: it is what the
	// loop actually saw at the suspension point.
	var snapTask task.Task
	if len(restored.State) > 0 {
		if err := json.Unmarshal(restored.State, &snapTask); err != nil {
			return fmt.Errorf("failed to decode checkpointed task: %w", err)
		}
		t = &snapTask
	}

	var messages []llm.Message
	if len(restored.Messages) > 0 {
		if err := json.Unmarshal(restored.Messages, &messages); err != nil {
			return fmt.Errorf("failed to decode checkpointed transcript: %w", err)
		}
	}

	h.orch.RestoreTranscript(t, messages, restored.RestoredStep)

	stopAuto, err := h.resumeAutoCheckpoints(ctx, taskID)
	if err != nil {
		return err
	}
	defer stopAuto()

	t, err = h.orch.ResumeTask(ctx, t, answer)
	if err != nil {
		return err
	}

	return reportOutcome(cmd.OutOrStdout(), t)
}
