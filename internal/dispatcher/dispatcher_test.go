package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/planrunner/internal/dispatcher"
	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/store/memory"
	"github.com/agentcore/planrunner/internal/telemetry"
)

func newDispatcher(t *testing.T, st store.Store, reg *handlers.Registry) *dispatcher.Dispatcher {
	t.Helper()
	return dispatcher.New(st, reg, telemetry.NoopLogger{}, telemetry.NoopMetrics{}, 10*time.Millisecond)
}

func TestStartWipesStaleQueue(t *testing.T) {
	st := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.EnqueueTask(ctx, ids.New(), store.EntityPlanner, "p1", "stale_handler", nil))

	d := newDispatcher(t, st, handlers.NewRegistry())
	require.NoError(t, d.Start(ctx))
	cancel()
	d.Wait()

	pending, err := st.GetPendingTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcherExecutesPendingTasks(t *testing.T) {
	st := memory.New()
	reg := handlers.NewRegistry()

	var mu sync.Mutex
	var ran []string
	done := make(chan struct{})
	require.NoError(t, reg.Register("record", func(_ context.Context, task *store.TaskRecord) error {
		mu.Lock()
		ran = append(ran, task.EntityID)
		if len(ran) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := newDispatcher(t, st, reg)
	require.NoError(t, d.Start(ctx))

	require.NoError(t, st.EnqueueTask(ctx, ids.New(), store.EntityPlanner, "p1", "record", nil))
	require.NoError(t, st.EnqueueTask(ctx, ids.New(), store.EntityPlanner, "p2", "record", nil))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks were not executed")
	}
	cancel()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"p1", "p2"}, ran)

	pending, err := st.GetPendingTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcherRunsEachTaskAtMostOnce(t *testing.T) {
	st := memory.New()
	reg := handlers.NewRegistry()

	var mu sync.Mutex
	counts := map[string]int{}
	require.NoError(t, reg.Register("count", func(_ context.Context, task *store.TaskRecord) error {
		mu.Lock()
		counts[task.TaskID]++
		mu.Unlock()
		// Outlive several poll ticks so the same record is seen as pending
		// only if the claim CAS were broken.
		time.Sleep(50 * time.Millisecond)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := newDispatcher(t, st, reg)
	require.NoError(t, d.Start(ctx))

	taskID := ids.New()
	require.NoError(t, st.EnqueueTask(ctx, taskID, store.EntityPlanner, "p1", "count", nil))

	time.Sleep(300 * time.Millisecond)
	cancel()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[taskID])
}

func TestUnknownHandlerFailsTask(t *testing.T) {
	st := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDispatcher(t, st, handlers.NewRegistry())
	require.NoError(t, d.Start(ctx))

	taskID := ids.New()
	require.NoError(t, st.EnqueueTask(ctx, taskID, store.EntityPlanner, "p1", "no_such_handler", nil))

	require.Eventually(t, func() bool {
		pending, err := st.GetPendingTasks(context.Background())
		return err == nil && len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	d.Wait()

	// Terminal: the record can no longer be claimed.
	assert.ErrorIs(t, st.ClaimTask(context.Background(), taskID), store.ErrAlreadyClaimed)
}

func TestHandlerErrorMarksTaskFailedAndKeepsPolling(t *testing.T) {
	st := memory.New()
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register("boom", func(context.Context, *store.TaskRecord) error {
		return assert.AnError
	}))
	ok := make(chan struct{})
	require.NoError(t, reg.Register("fine", func(context.Context, *store.TaskRecord) error {
		close(ok)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := newDispatcher(t, st, reg)
	require.NoError(t, d.Start(ctx))

	boomID := ids.New()
	require.NoError(t, st.EnqueueTask(ctx, boomID, store.EntityPlanner, "p1", "boom", nil))
	require.NoError(t, st.EnqueueTask(ctx, ids.New(), store.EntityPlanner, "p2", "fine", nil))

	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher stopped after a failing handler")
	}
	cancel()
	d.Wait()

	assert.ErrorIs(t, st.ClaimTask(context.Background(), boomID), store.ErrAlreadyClaimed)
}
