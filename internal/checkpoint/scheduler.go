package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is the loop state handed to the scheduler each tick
type Snapshot struct {
	Step     int
	State    json.RawMessage
	Messages json.RawMessage
}

// SnapshotFunc returns the current loop state. Supplied by the
// orchestrator; safe to call at arbitrary times.
type SnapshotFunc func() (Snapshot, error)

// writeTimeout bounds a single auto-checkpoint write
const writeTimeout = 30 * time.Second

// Scheduler writes auto checkpoints on a fixed interval while started.
// At most one checkpoint write is in flight per task at a time: a tick
// that fires while the previous write is pending is skipped, not queued.
type Scheduler struct {
	mgr      *Manager
	taskID   string
	getState SnapshotFunc
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Bool
}

// NewScheduler creates a stopped scheduler
func NewScheduler(mgr *Manager, taskID string, getState SnapshotFunc, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		mgr:      mgr,
		taskID:   taskID,
		getState: getState,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the background timer. Calling Start while already running
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
}

// Stop cancels the timer and waits for any in-flight write to finish.
// After Stop returns, no further checkpoints are written. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	s.wg.Wait()
}

// Running reports whether the scheduler timer is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.inFlight.CompareAndSwap(false, true) {
				s.logger.Debug("auto-checkpoint tick skipped, write in flight", "task_id", s.taskID)
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.inFlight.Store(false)
				s.writeOnce()
			}()
		}
	}
}

// writeOnce captures a snapshot and writes one auto checkpoint. Failures
// are logged and retried on the next tick; they never reach the main loop.
func (s *Scheduler) writeOnce() {
	snap, err := s.getState()
	if err != nil {
		s.logger.Warn("auto-checkpoint snapshot failed", "task_id", s.taskID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = s.mgr.Create(ctx, CreateParams{
		TaskID:      s.taskID,
		StepNumber:  snap.Step,
		Type:        TypeAuto,
		State:       snap.State,
		Messages:    snap.Messages,
		Description: "periodic auto checkpoint",
	})
	if err != nil {
		s.logger.Warn("auto-checkpoint write failed", "task_id", s.taskID, "error", err)
	}
}
