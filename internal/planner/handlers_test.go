package planner_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/planrunner/internal/artefact"
	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/llm/fake"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/notifier/inmemory"
	"github.com/agentcore/planrunner/internal/planner"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/store/memory"
	"github.com/agentcore/planrunner/internal/telemetry"
	"github.com/agentcore/planrunner/internal/toolregistry"
)

type fixture struct {
	store    *memory.Store
	provider *fake.Provider
	deps     *planner.Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	provider := fake.New()
	return &fixture{
		store:    st,
		provider: provider,
		deps: &planner.Deps{
			Store:           st,
			Artefacts:       artefact.New(t.TempDir()),
			LLM:             llm.New(provider, telemetry.NoopLogger{}),
			Tools:           toolregistry.New(),
			Notifier:        inmemory.New(),
			Logger:          telemetry.NoopLogger{},
			Model:           "planner-model",
			Temperature:     0.2,
			FailedTaskLimit: 3,
		},
	}
}

func planningTask(plannerID, routerID, messageID string) *store.TaskRecord {
	payload, _ := json.Marshal(planner.InitialPlanningPayload{
		UserQuestion: "What is the total revenue?",
		Instruction:  "Use SQL where possible.",
		MessageID:    messageID,
		RouterID:     routerID,
	})
	return &store.TaskRecord{
		TaskID:      ids.New(),
		EntityType:  store.EntityPlanner,
		EntityID:    plannerID,
		HandlerName: handlers.ExecuteInitialPlanning,
		Payload:     payload,
	}
}

func pendingHandlers(t *testing.T, st store.Store) []string {
	t.Helper()
	tasks, err := st.GetPendingTasks(context.Background())
	require.NoError(t, err)
	names := make([]string, len(tasks))
	for i, task := range tasks {
		names[i] = task.HandlerName
	}
	return names
}

func TestExecuteInitialPlanningCreatesPlannerAndChains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plannerID := ids.New()

	f.provider.QueueJSON("InitialExecutionPlan", planner.InitialExecutionPlan{
		Objective: "compute total revenue",
		Todos:     []string{"sum the revenue column", "compose the answer"},
	})

	require.NoError(t, f.deps.ExecuteInitialPlanning(ctx, planningTask(plannerID, "r1", "m1")))

	p, err := f.store.GetPlanner(ctx, plannerID)
	require.NoError(t, err)
	assert.Equal(t, store.PlannerStatusExecuting, p.Status)
	assert.Equal(t, handlers.ExecuteTaskCreation, p.NextHandler)
	assert.Contains(t, p.ExecutionPlan, "- [ ] sum the revenue column")

	linked, err := f.store.PlannerForMessage(ctx, "r1", "m1")
	require.NoError(t, err)
	assert.Equal(t, plannerID, linked)

	var plan planner.ExecutionPlan
	require.NoError(t, f.deps.Artefacts.LoadDoc(plannerID, planner.PlanDocName, &plan))
	require.Len(t, plan.Todos, 2)
	assert.True(t, plan.Todos[0].NextAction)

	msgs, err := f.store.GetMessages(ctx, model.AgentPlanner, plannerID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)

	assert.Equal(t, []string{handlers.ExecuteTaskCreation}, pendingHandlers(t, f.store))
}

func TestExecuteInitialPlanningResumeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plannerID := ids.New()

	f.provider.QueueJSON("InitialExecutionPlan", planner.InitialExecutionPlan{
		Objective: "o", Todos: []string{"a"},
	})
	require.NoError(t, f.deps.ExecuteInitialPlanning(ctx, planningTask(plannerID, "r1", "m1")))

	before, err := f.store.GetMessages(ctx, model.AgentPlanner, plannerID)
	require.NoError(t, err)
	_, err = f.store.ClearTaskQueue(ctx)
	require.NoError(t, err)

	// Re-invocation is a no-op beyond re-enqueueing task creation: no new
	// planner row, no new messages, exactly one pending task.
	require.NoError(t, f.deps.ExecuteInitialPlanning(ctx, planningTask(plannerID, "r1", "m1")))

	after, err := f.store.GetMessages(ctx, model.AgentPlanner, plannerID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Equal(t, []string{handlers.ExecuteTaskCreation}, pendingHandlers(t, f.store))
}

func seedExecutingPlanner(t *testing.T, f *fixture, plan *planner.ExecutionPlan) string {
	t.Helper()
	ctx := context.Background()
	plannerID := ids.New()
	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{
		ID:              plannerID,
		RouterID:        "r1",
		UserQuestion:    "q",
		Model:           "planner-model",
		FailedTaskLimit: f.deps.FailedTaskLimit,
		Status:          store.PlannerStatusExecuting,
		NextHandler:     handlers.ExecuteTaskCreation,
	}))
	_, err := f.store.AddMessage(ctx, model.AgentPlanner, plannerID, model.RoleSystem, model.TextContent("system"))
	require.NoError(t, err)
	require.NoError(t, f.deps.Artefacts.SaveDoc(plannerID, planner.PlanDocName, plan))
	require.NoError(t, f.deps.Artefacts.SaveDoc(plannerID, planner.TablesDocName, planner.TablesDoc{}))
	require.NoError(t, f.deps.Artefacts.SaveDoc(plannerID, planner.FailuresDocName, planner.FailuresDoc{}))
	return plannerID
}

func TestExecuteTaskCreationEmitsWorkerTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := planner.NewExecutionPlan(planner.InitialExecutionPlan{Objective: "o", Todos: []string{"sum revenue"}})
	plannerID := seedExecutingPlanner(t, f, plan)

	f.provider.QueueJSON("Task", planner.Task{
		UserRequest:            "total revenue",
		TaskDescription:        "sum the revenue column",
		AcceptanceCriteria:     []string{"a single number is produced"},
		QueryingStructuredData: true,
		ImageKeys:              []string{},
		VariableKeys:           []string{},
		Tools:                  []string{},
	})

	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityPlanner, EntityID: plannerID, HandlerName: handlers.ExecuteTaskCreation}
	require.NoError(t, f.deps.ExecuteTaskCreation(ctx, task))

	p, err := f.store.GetPlanner(ctx, plannerID)
	require.NoError(t, err)
	assert.Equal(t, store.HandlerWaitingForWorker, p.NextHandler)

	var saved planner.Task
	require.NoError(t, f.deps.Artefacts.LoadDoc(plannerID, planner.TaskDocName, &saved))
	assert.NotEmpty(t, saved.TaskID)
	// No tables were ingested, so the structured-data flag is forced off.
	assert.False(t, saved.QueryingStructuredData)

	pending, err := f.store.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, handlers.WorkerInitialisation, pending[0].HandlerName)
	assert.Equal(t, store.EntityWorker, pending[0].EntityType)
	assert.Equal(t, saved.TaskID, pending[0].EntityID)
}

func TestExecuteTaskCreationWithNoOpenTodosChainsSynthesis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := &planner.ExecutionPlan{Objective: "o", Todos: []planner.TodoItem{{Description: "done", Completed: true}}}
	plannerID := seedExecutingPlanner(t, f, plan)

	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityPlanner, EntityID: plannerID, HandlerName: handlers.ExecuteTaskCreation}
	require.NoError(t, f.deps.ExecuteTaskCreation(ctx, task))
	assert.Equal(t, []string{handlers.ExecuteSynthesis}, pendingHandlers(t, f.store))
}

func seedFinishedWorker(t *testing.T, f *fixture, plannerID string, status store.WorkerTaskStatus) string {
	t.Helper()
	ctx := context.Background()
	workerID := ids.New()
	require.NoError(t, f.store.CreateWorker(ctx, &store.Worker{
		ID:              workerID,
		PlannerID:       plannerID,
		TaskStatus:      status,
		TaskDescription: "sum the revenue column",
		TaskResult:      "The total revenue is 42.",
	}))
	_, err := f.store.AddMessage(ctx, model.AgentWorker, workerID, model.RoleAssistant, model.TextContent("computed 42"))
	require.NoError(t, err)
	return workerID
}

func TestExecuteSynthesisWithNoFinishedWorkerLoopsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := planner.NewExecutionPlan(planner.InitialExecutionPlan{Objective: "o", Todos: []string{"a"}})
	plannerID := seedExecutingPlanner(t, f, plan)

	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityPlanner, EntityID: plannerID, HandlerName: handlers.ExecuteSynthesis}
	require.NoError(t, f.deps.ExecuteSynthesis(ctx, task))
	assert.Equal(t, []string{handlers.ExecuteTaskCreation}, pendingHandlers(t, f.store))
}

func TestExecuteSynthesisFinalisesWhenPlanIsDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := planner.NewExecutionPlan(planner.InitialExecutionPlan{Objective: "o", Todos: []string{"sum revenue"}})
	plannerID := seedExecutingPlanner(t, f, plan)
	workerID := seedFinishedWorker(t, f, plannerID, store.WorkerStatusCompleted)

	f.provider.QueueJSON("ExecutionPlanRevision", planner.ExecutionPlan{Todos: []planner.TodoItem{}})
	f.provider.QueueText("The total revenue is 42.")

	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityPlanner, EntityID: plannerID, HandlerName: handlers.ExecuteSynthesis}
	require.NoError(t, f.deps.ExecuteSynthesis(ctx, task))

	p, err := f.store.GetPlanner(ctx, plannerID)
	require.NoError(t, err)
	assert.Equal(t, store.PlannerStatusCompleted, p.Status)
	assert.Equal(t, store.HandlerCompleted, p.NextHandler)
	assert.Equal(t, "The total revenue is 42.", p.UserResponse)

	w, err := f.store.GetWorker(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusRecorded, w.TaskStatus)

	// Finalisation removes the planner's artefact directory and enqueues
	// nothing further.
	_, statErr := os.Stat(filepath.Dir(f.deps.Artefacts.DatabasePath(plannerID)))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, pendingHandlers(t, f.store))
}

func TestExecuteSynthesisContinuesWithOpenTodos(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := planner.NewExecutionPlan(planner.InitialExecutionPlan{Objective: "o", Todos: []string{"first", "second"}})
	plannerID := seedExecutingPlanner(t, f, plan)
	workerID := seedFinishedWorker(t, f, plannerID, store.WorkerStatusCompleted)

	f.provider.QueueJSON("ExecutionPlanRevision", planner.ExecutionPlan{
		Todos: []planner.TodoItem{{Description: "second"}},
	})

	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityPlanner, EntityID: plannerID, HandlerName: handlers.ExecuteSynthesis}
	require.NoError(t, f.deps.ExecuteSynthesis(ctx, task))

	w, err := f.store.GetWorker(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusRecorded, w.TaskStatus)

	var updated planner.ExecutionPlan
	require.NoError(t, f.deps.Artefacts.LoadDoc(plannerID, planner.PlanDocName, &updated))
	assert.Equal(t, []string{"second"}, updated.OpenTodos())
	assert.Equal(t, []string{handlers.ExecuteTaskCreation}, pendingHandlers(t, f.store))
}

func TestExecuteSynthesisFailedTaskLimitFinalisesWithAcknowledgement(t *testing.T) {
	f := newFixture(t)
	f.deps.FailedTaskLimit = 1
	ctx := context.Background()
	plan := planner.NewExecutionPlan(planner.InitialExecutionPlan{Objective: "o", Todos: []string{"first", "second"}})
	plannerID := seedExecutingPlanner(t, f, plan)
	seedFinishedWorker(t, f, plannerID, store.WorkerStatusFailedValidation)

	f.provider.QueueText("I could not complete the analysis: the task failed repeatedly.")

	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityPlanner, EntityID: plannerID, HandlerName: handlers.ExecuteSynthesis}
	require.NoError(t, f.deps.ExecuteSynthesis(ctx, task))

	p, err := f.store.GetPlanner(ctx, plannerID)
	require.NoError(t, err)
	assert.Equal(t, store.PlannerStatusCompleted, p.Status)
	assert.Contains(t, p.UserResponse, "failed")
	assert.Empty(t, pendingHandlers(t, f.store))
}
