package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSnapshot(step int) SnapshotFunc {
	return func() (Snapshot, error) {
		return Snapshot{
			Step:     step,
			State:    json.RawMessage(`{"state":"executing"}`),
			Messages: json.RawMessage(`[]`),
		}, nil
	}
}

func waitForCheckpoints(t *testing.T, st *fakeStore, taskID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.count(taskID) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d checkpoints, got %d", n, st.count(taskID))
}

func TestSchedulerWritesAutoCheckpoints(t *testing.T) {
	st := newFakeStore()
	mgr := testManager(st)
	sched := NewScheduler(mgr, "t-1", staticSnapshot(4), 10*time.Millisecond, mgr.logger)

	sched.Start()
	defer sched.Stop()

	waitForCheckpoints(t, st, "t-1", 2)

	cps, err := mgr.List(context.Background(), "t-1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(cps), 2)
	assert.Equal(t, TypeAuto, cps[0].Type)
	assert.Equal(t, "periodic auto checkpoint", cps[0].Description)
	assert.Equal(t, 4, cps[0].StepNumber)
	assert.Equal(t, 1, cps[0].Version)
	assert.Equal(t, 2, cps[1].Version)
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	st := newFakeStore()
	mgr := testManager(st)
	sched := NewScheduler(mgr, "t-1", staticSnapshot(1), 10*time.Millisecond, mgr.logger)

	sched.Start()
	sched.Start()
	assert.True(t, sched.Running())

	waitForCheckpoints(t, st, "t-1", 3)
	sched.Stop()
	assert.False(t, sched.Running())

	cps, err := mgr.List(context.Background(), "t-1")
	require.NoError(t, err)
	for i, cp := range cps {
		assert.Equal(t, i+1, cp.Version)
	}
}

func TestSchedulerStopHaltsWrites(t *testing.T) {
	st := newFakeStore()
	mgr := testManager(st)
	sched := NewScheduler(mgr, "t-1", staticSnapshot(1), 10*time.Millisecond, mgr.logger)

	sched.Start()
	waitForCheckpoints(t, st, "t-1", 1)
	sched.Stop()
	assert.False(t, sched.Running())

	before := st.count("t-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, st.count("t-1"))
}

func TestSchedulerStopWhenStopped(t *testing.T) {
	mgr := testManager(newFakeStore())
	sched := NewScheduler(mgr, "t-1", staticSnapshot(1), time.Minute, mgr.logger)

	sched.Stop()
	sched.Stop()
	assert.False(t, sched.Running())
}

func TestSchedulerRestartAfterStop(t *testing.T) {
	st := newFakeStore()
	mgr := testManager(st)
	sched := NewScheduler(mgr, "t-1", staticSnapshot(1), 10*time.Millisecond, mgr.logger)

	sched.Start()
	waitForCheckpoints(t, st, "t-1", 1)
	sched.Stop()

	sched.Start()
	defer sched.Stop()
	assert.True(t, sched.Running())

	before := st.count("t-1")
	waitForCheckpoints(t, st, "t-1", before+1)
}

func TestSchedulerSnapshotFailureIsRetried(t *testing.T) {
	st := newFakeStore()
	mgr := testManager(st)

	var mu sync.Mutex
	calls := 0
	getState := func() (Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return Snapshot{}, errors.New("loop busy")
		}
		return Snapshot{Step: calls, State: json.RawMessage(`{}`)}, nil
	}

	sched := NewScheduler(mgr, "t-1", getState, 10*time.Millisecond, mgr.logger)
	sched.Start()
	defer sched.Stop()

	waitForCheckpoints(t, st, "t-1", 1)
}

// blockingStore stalls InsertCheckpoint until released, counting attempts.
type blockingStore struct {
	*fakeStore
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingStore) InsertCheckpoint(ctx context.Context, cp *Checkpoint) (int, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.fakeStore.InsertCheckpoint(ctx, cp)
}

func TestSchedulerSkipsTickWhileWriteInFlight(t *testing.T) {
	st := &blockingStore{
		fakeStore: newFakeStore(),
		release:   make(chan struct{}),
		started:   make(chan struct{}),
	}
	mgr := testManager(st)
	sched := NewScheduler(mgr, "t-1", staticSnapshot(1), 10*time.Millisecond, mgr.logger)

	sched.Start()

	select {
	case <-st.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first write never started")
	}

	// Several ticks fire while the first write is blocked; all must be
	// skipped rather than stacking up goroutines.
	time.Sleep(60 * time.Millisecond)
	close(st.release)
	sched.Stop()

	assert.LessOrEqual(t, st.count("t-1"), 3)
}
