package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haldanesmith/agentloop/internal/task"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Start a new task",
	Long: `Start a new autonomous task. The prompt can be given as an argument
or typed at the prompt when omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("user", "", "User id to attribute the task to")
}

var errPromptRequired = errors.New("prompt is required")

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, cfgPath, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("loaded configuration", "path", cfgPath)

	prompt := ""
	if len(args) > 0 {
		prompt = strings.TrimSpace(args[0])
	}
	if prompt == "" {
		prompt, err = promptForTask(cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			if errors.Is(err, errPromptRequired) {
				return fmt.Errorf("prompt required: pass it as an argument or type it at the prompt")
			}
			return err
		}
	}

	userID, _ := cmd.Flags().GetString("user")

	ctx := cmd.Context()
	h, err := newHost(ctx, cmd, cfg, cfgPath, logger, true)
	if err != nil {
		return err
	}
	defer h.close()

	taskID := uuid.New().String()
	logger.Info("starting task", "task_id", taskID)

	stopAuto, err := h.startAutoCheckpoints(ctx, taskID)
	if err != nil {
		return err
	}
	defer stopAuto()

	t, err := h.orch.ExecuteTask(ctx, taskID, prompt, userID)
	if err != nil {
		return err
	}

	return reportOutcome(cmd.OutOrStdout(), t)
}

// reportOutcome prints the terminal or suspended state of a task
func reportOutcome(w io.Writer, t *task.Task) error {
	switch t.State {
	case task.StateCompleted:
		fmt.Fprintf(w, "\nTask %s completed.\n", t.ID)
		if t.Result != nil {
			fmt.Fprintln(w, t.Result.Message)
			for _, att := range t.Result.Attachments {
				fmt.Fprintf(w, "  attachment: %s (%s)\n", att.Name, att.Path)
			}
		}
		return nil

	case task.StateWaitingUser:
		fmt.Fprintf(w, "\nTask %s is waiting for your input. Resume it with:\n  agentloop resume %s \"<answer>\"\n", t.ID, t.ID)
		return nil

	case task.StateFailed:
		return fmt.Errorf("task %s failed: %s", t.ID, t.Error)

	case task.StateCancelled:
		fmt.Fprintf(w, "\nTask %s was cancelled.\n", t.ID)
		return nil

	default:
		return fmt.Errorf("task %s ended in unexpected state %s", t.ID, t.State)
	}
}

func promptForTask(r io.Reader, w io.Writer) (string, error) {
	reader := bufio.NewReader(r)
	if file, ok := r.(*os.File); ok && isTerminalFile(file) {
		fmt.Fprint(w, "agentloop> What should I do? ")
	}

	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errPromptRequired
	}
	return line, nil
}

func isTerminalFile(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
