package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect task checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list <task-id>",
	Short: "List all checkpoints for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsList,
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "restore <task-id> [version]",
	Short: "Print the snapshot a restore would produce, without resuming",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCheckpointsRestore,
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, cfgPath, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	h, err := newHost(ctx, cmd, cfg, cfgPath, logger, false)
	if err != nil {
		return err
	}
	defer h.close()

	checkpoints, err := h.mgr.List(ctx, args[0])
	if err != nil {
		return err
	}

	if len(checkpoints) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No checkpoints for task %s.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTEP\tTYPE\tVALID\tCREATED\tDESCRIPTION")
	for _, cp := range checkpoints {
		fmt.Fprintf(w, "%d\t%d\t%s\t%t\t%s\t%s\n",
			cp.Version, cp.StepNumber, cp.Type, cp.IsValid,
			cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.Description)
	}
	return w.Flush()
}

func runCheckpointsRestore(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, cfgPath, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var version *int
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		version = &v
	}

	ctx := cmd.Context()
	h, err := newHost(ctx, cmd, cfg, cfgPath, logger, false)
	if err != nil {
		return err
	}
	defer h.close()

	restored, err := h.mgr.Restore(ctx, args[0], version)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(restored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render snapshot: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
