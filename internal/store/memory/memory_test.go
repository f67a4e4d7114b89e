package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/store/memory"
)

func TestClaimTaskIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.EnqueueTask(ctx, "t1", store.EntityPlanner, "p1", "execute_initial_planning", nil))

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.ClaimTask(ctx, "t1")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent claim should succeed")
}

func TestPendingTasksOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.EnqueueTask(ctx, "t1", store.EntityPlanner, "p1", "h1", nil))
	require.NoError(t, s.EnqueueTask(ctx, "t2", store.EntityPlanner, "p1", "h2", nil))
	require.NoError(t, s.EnqueueTask(ctx, "t3", store.EntityPlanner, "p1", "h3", nil))

	pending, err := s.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "t1", pending[0].TaskID)
	assert.Equal(t, "t2", pending[1].TaskID)
	assert.Equal(t, "t3", pending[2].TaskID)
}

func TestMessagesAreAppendOnlyAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	id1, err := s.AddMessage(ctx, model.AgentPlanner, "p1", model.RoleSystem, model.TextContent("sys"))
	require.NoError(t, err)
	id2, err := s.AddMessage(ctx, model.AgentPlanner, "p1", model.RoleUser, model.TextContent("hi"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	msgs, err := s.GetMessages(ctx, model.AgentPlanner, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "sys", msgs[0].Content.Text)
	assert.Equal(t, "hi", msgs[1].Content.Text)
}

func TestClearTaskQueueWipesAll(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.EnqueueTask(ctx, "t1", store.EntityPlanner, "p1", "h1", nil))
	require.NoError(t, s.EnqueueTask(ctx, "t2", store.EntityWorker, "w1", "h2", nil))
	n, err := s.ClearTaskQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	pending, err := s.GetPendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClaimUnknownTaskNotFound(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	err := s.ClaimTask(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRouterNotFound(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_, err := s.GetRouter(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
