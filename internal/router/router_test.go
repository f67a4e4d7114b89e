package router_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/llm/fake"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/notifier"
	"github.com/agentcore/planrunner/internal/notifier/inmemory"
	"github.com/agentcore/planrunner/internal/router"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/store/memory"
	"github.com/agentcore/planrunner/internal/telemetry"
)

type fixture struct {
	store    *memory.Store
	provider *fake.Provider
	events   *inmemory.Notifier
	router   *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	provider := fake.New()
	events := inmemory.New()
	return &fixture{
		store:    st,
		provider: provider,
		events:   events,
		router:   router.New(st, llm.New(provider, telemetry.NoopLogger{}), events, telemetry.NoopLogger{}, "router-model", 0.7),
	}
}

func drain(ch <-chan notifier.Event) []notifier.Event {
	var out []notifier.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []notifier.Event) []notifier.EventType {
	types := make([]notifier.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestSimpleChatTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.events.Attach("r1")

	f.provider.QueueJSON("RequireAgent", router.Classification{})
	f.provider.QueueText("Hi!")

	require.NoError(t, f.router.Activate(ctx, "r1", "Hello", nil))

	events := drain(ch)
	assert.Equal(t, []notifier.EventType{
		notifier.EventInputLock,
		notifier.EventStatus,
		notifier.EventResponse,
		notifier.EventInputUnlock,
	}, eventTypes(events))
	assert.Equal(t, "Thinking", events[1].Message)
	assert.Equal(t, "Hi!", events[2].Message)

	// No planner was created and no task enqueued.
	planners, err := f.store.ListPlannersByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, planners)
	pending, err := f.store.GetPendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	rt, err := f.store.GetRouter(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RouterStatusActive, rt.Status)
}

func TestComplexTurnEnqueuesInitialPlanning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.events.Attach("r1")

	f.provider.QueueJSON("RequireAgent", router.Classification{
		ComplexQuestion:    true,
		ContextRichRequest: "Compare revenue across regions step by step.",
	})

	require.NoError(t, f.router.Activate(ctx, "r1", "Compare revenue across regions", nil))

	pending, err := f.store.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, handlers.ExecuteInitialPlanning, pending[0].HandlerName)
	assert.Equal(t, store.EntityPlanner, pending[0].EntityType)

	// The turn stays locked until the planner completes.
	types := eventTypes(drain(ch))
	assert.Contains(t, types, notifier.EventInputLock)
	assert.NotContains(t, types, notifier.EventInputUnlock)

	rt, err := f.store.GetRouter(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RouterStatusProcessing, rt.Status)

	// The placeholder assistant message carries the planner link id.
	msgs, err := f.store.GetMessages(ctx, model.AgentRouter, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Agents assemble!", msgs[len(msgs)-1].Content.Text)
}

func TestTurnWithFilesSkipsClassifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	csvPath := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("region,revenue\neast,40\nwest,2\n"), 0o644))

	// No classifier response queued: files force the complex path.
	require.NoError(t, f.router.Activate(ctx, "r1", "What is the total revenue?", []string{csvPath}))

	pending, err := f.store.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, handlers.ExecuteInitialPlanning, pending[0].HandlerName)
	assert.Equal(t, 0, f.provider.JSONCalls)
}

func TestOnPlannerCompletedRelaysAnswerAndUnlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateRouter(ctx, &store.Router{ID: "r1", Status: store.RouterStatusProcessing}))
	plannerID := ids.New()
	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{
		ID:           plannerID,
		RouterID:     "r1",
		Status:       store.PlannerStatusCompleted,
		NextHandler:  store.HandlerCompleted,
		UserResponse: "The total revenue is 42.",
	}))

	ch := f.events.Attach("r1")
	require.NoError(t, f.router.OnPlannerCompleted(ctx, plannerID))

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, notifier.EventResponse, events[0].Type)
	assert.Equal(t, "The total revenue is 42.", events[0].Message)
	assert.Equal(t, notifier.EventInputUnlock, events[1].Type)

	rt, err := f.store.GetRouter(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RouterStatusActive, rt.Status)

	msgs, err := f.store.GetMessages(ctx, model.AgentRouter, "r1")
	require.NoError(t, err)
	assert.Equal(t, "The total revenue is 42.", msgs[len(msgs)-1].Content.Text)
}

func TestResumePendingReEnqueuesNextHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{
		ID:          "p-synth",
		RouterID:    "r1",
		Status:      store.PlannerStatusExecuting,
		NextHandler: handlers.ExecuteSynthesis,
	}))
	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{
		ID:          "p-done",
		RouterID:    "r1",
		Status:      store.PlannerStatusCompleted,
		NextHandler: store.HandlerCompleted,
	}))

	require.NoError(t, f.router.ResumePending(ctx))

	pending, err := f.store.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, handlers.ExecuteSynthesis, pending[0].HandlerName)
	assert.Equal(t, "p-synth", pending[0].EntityID)
}

func TestResumePendingWaitingForWorkerResumesWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{
		ID:          "p1",
		RouterID:    "r1",
		Status:      store.PlannerStatusExecuting,
		NextHandler: store.HandlerWaitingForWorker,
	}))
	require.NoError(t, f.store.CreateWorker(ctx, &store.Worker{
		ID:         "w1",
		PlannerID:  "p1",
		TaskStatus: store.WorkerStatusInProgress,
	}))

	require.NoError(t, f.router.ResumePending(ctx))

	pending, err := f.store.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, handlers.WorkerInitialisation, pending[0].HandlerName)
	assert.Equal(t, "w1", pending[0].EntityID)
}

func TestResumePendingWaitingForWorkerWithoutWorkerRecreatesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{
		ID:          "p1",
		RouterID:    "r1",
		Status:      store.PlannerStatusExecuting,
		NextHandler: store.HandlerWaitingForWorker,
	}))

	require.NoError(t, f.router.ResumePending(ctx))

	pending, err := f.store.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, handlers.ExecuteTaskCreation, pending[0].HandlerName)
}
