package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/haldanesmith/agentloop/internal/checkpoint"
	"github.com/haldanesmith/agentloop/internal/config"
	"github.com/haldanesmith/agentloop/internal/eventlog"
	"github.com/haldanesmith/agentloop/internal/events"
	"github.com/haldanesmith/agentloop/internal/llm"
	"github.com/haldanesmith/agentloop/internal/orchestrator"
	"github.com/haldanesmith/agentloop/internal/sandbox"
	"github.com/haldanesmith/agentloop/internal/store"
	"github.com/haldanesmith/agentloop/internal/tool"
	"github.com/haldanesmith/agentloop/internal/transcript"
)

// taskStore is what the host needs from a persistence backend: checkpoint
// storage plus task records.
type taskStore interface {
	checkpoint.Store
	orchestrator.TaskStore
}

// host wires the configured store, sandbox, provider and orchestrator
// together for one CLI invocation.
type host struct {
	cfg    *config.Config
	store  taskStore
	orch   *orchestrator.Orchestrator
	mgr    *checkpoint.Manager
	bus    *events.Bus
	logger *slog.Logger

	closers []func() error
}

// newHost assembles the runtime from config. apiKey lookup happens here so
// commands that never call the provider (checkpoints list) skip it.
func newHost(ctx context.Context, cmd *cobra.Command, cfg *config.Config, configPath string, logger *slog.Logger, needProvider bool) (*host, error) {
	h := &host{cfg: cfg, bus: events.NewBus(), logger: logger}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	h.store = st
	if closeStore != nil {
		h.closers = append(h.closers, closeStore)
	}

	h.mgr = checkpoint.NewManager(st, logger)

	var selector orchestrator.ActionSelector
	if needProvider {
		apiKeyEnv := cfg.LLM.APIKeyEnv
		if apiKeyEnv == "" {
			apiKeyEnv = "OPENAI_API_KEY"
		}
		client, err := llm.NewOpenAIClient(os.Getenv(apiKeyEnv), cfg.LLM.BaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}

		timeout := 120 * time.Second
		if cfg.LLM.TimeoutS > 0 {
			timeout = time.Duration(cfg.LLM.TimeoutS) * time.Second
		}
		selector = llm.NewSelector(client, cfg.LLM.Model, timeout, logger)
	}

	workspace := resolveWorkspace(cfg, configPath)
	box, err := sandbox.NewLocal(workspace, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := tool.NewDispatcher(box, h.bus, logger)

	h.orch = orchestrator.New(orchestrator.Options{
		Selector:      selector,
		Dispatcher:    dispatcher,
		Checkpoints:   h.mgr,
		Tasks:         st,
		Bus:           h.bus,
		Logger:        logger,
		MaxIterations: cfg.Loop.MaxIterations,
	})

	// Console stream plus the NDJSON audit file both observe the same bus.
	formatter := transcript.NewFormatter()
	out := cmd.OutOrStdout()
	h.bus.Subscribe(func(evt events.Event) {
		fmt.Fprintln(out, formatter.FormatEvent(evt))
	})

	if cfg.EventLog != "" {
		logPath := cfg.EventLog
		if !filepath.IsAbs(logPath) {
			logPath = filepath.Join(filepath.Dir(configPath), logPath)
		}
		audit, err := eventlog.NewEventLog(logPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		audit.Attach(h.bus)
		h.closers = append(h.closers, audit.Close)
	}

	return h, nil
}

// startAutoCheckpoints persists the config policy for a fresh task and
// starts the scheduler when enabled. The returned stop function is safe
// to call unconditionally.
func (h *host) startAutoCheckpoints(ctx context.Context, taskID string) (func(), error) {
	interval := time.Duration(h.cfg.Auto.IntervalMs) * time.Millisecond
	if err := h.mgr.ConfigureAuto(ctx, taskID, h.cfg.Auto.Enabled, interval); err != nil {
		return nil, fmt.Errorf("failed to save auto checkpoint policy: %w", err)
	}
	return h.startScheduler(taskID, h.cfg.Auto.Enabled, interval), nil
}

// resumeAutoCheckpoints restarts auto checkpoints for a rehydrated task.
// A policy persisted by the original run wins over the config default, so
// the cadence the task was started with survives process restarts.
func (h *host) resumeAutoCheckpoints(ctx context.Context, taskID string) (func(), error) {
	enabled, interval, err := autoCheckpointPolicy(ctx, h.mgr, h.cfg, taskID)
	if err != nil {
		return nil, err
	}
	return h.startScheduler(taskID, enabled, interval), nil
}

func (h *host) startScheduler(taskID string, enabled bool, interval time.Duration) func() {
	if !enabled {
		return func() {}
	}
	sched := checkpoint.NewScheduler(h.mgr, taskID, h.orch.StateSnapshot, interval, h.logger)
	sched.Start()
	return sched.Stop
}

// autoCheckpointPolicy resolves the effective policy for an existing task:
// the stored row if one was persisted, otherwise the config default.
func autoCheckpointPolicy(ctx context.Context, mgr *checkpoint.Manager, cfg *config.Config, taskID string) (bool, time.Duration, error) {
	stored, err := mgr.AutoPolicy(ctx, taskID)
	if err == nil {
		return stored.Enabled, stored.Interval(), nil
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		return false, 0, fmt.Errorf("failed to load auto checkpoint policy: %w", err)
	}
	return cfg.Auto.Enabled, time.Duration(cfg.Auto.IntervalMs) * time.Millisecond, nil
}

func (h *host) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			h.logger.Warn("failed to close resource", "error", err)
		}
	}
}

// openStore builds the persistence backend named by the config
func openStore(ctx context.Context, cfg *config.Config) (taskStore, func() error, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil, nil

	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, s.Close, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s := store.NewPostgres(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() error { pool.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}
}
