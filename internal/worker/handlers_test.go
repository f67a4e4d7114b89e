package worker_test

import (
	"context"
	"encoding/json"
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
	"github.com/agentcore/planrunner/internal/sandbox"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/store/memory"
	"github.com/agentcore/planrunner/internal/telemetry"
	"github.com/agentcore/planrunner/internal/toolregistry"
	"github.com/agentcore/planrunner/internal/worker"
)

// fakeSandbox pops scripted results; Calls counts executions so tests can
// assert malicious code never reaches the sandbox.
type fakeSandbox struct {
	results []*sandbox.Result
	Calls   int
}

func (f *fakeSandbox) Execute(_ context.Context, _ string, _ sandbox.Locals) (*sandbox.Result, error) {
	f.Calls++
	if len(f.results) == 0 {
		return &sandbox.Result{Success: true}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

type fixture struct {
	store    *memory.Store
	provider *fake.Provider
	box      *fakeSandbox
	deps     *worker.Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	provider := fake.New()
	box := &fakeSandbox{}
	return &fixture{
		store:    st,
		provider: provider,
		box:      box,
		deps: &worker.Deps{
			Store:       st,
			Artefacts:   artefact.New(t.TempDir()),
			LLM:         llm.New(provider, telemetry.NoopLogger{}),
			Sandbox:     box,
			Tools:       toolregistry.New(),
			Notifier:    inmemory.New(),
			Logger:      telemetry.NoopLogger{},
			Model:       "worker-model",
			Temperature: 0.2,
			MaxRetry:    5,
		},
	}
}

// seedWorker creates a planner and an initialised worker ready for execute
// attempts.
func seedWorker(t *testing.T, f *fixture, querySQL bool) *store.Worker {
	t.Helper()
	ctx := context.Background()
	plannerID := ids.New()
	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{
		ID:          plannerID,
		RouterID:    "r1",
		Status:      store.PlannerStatusExecuting,
		NextHandler: store.HandlerWaitingForWorker,
	}))
	w := &store.Worker{
		ID:                     ids.New(),
		PlannerID:              plannerID,
		TaskStatus:             store.WorkerStatusPending,
		TaskDescription:        "compute the total",
		AcceptanceCriteria:     []string{"a total is produced"},
		QueryingStructuredData: querySQL,
		MaxRetry:               f.deps.MaxRetry,
	}
	require.NoError(t, f.store.CreateWorker(ctx, w))
	_, err := f.store.AddMessage(ctx, model.AgentWorker, w.ID, model.RoleUser, model.TextContent(w.TaskDescription))
	require.NoError(t, err)
	return w
}

func execTask(w *store.Worker, handler string) *store.TaskRecord {
	return &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityWorker, EntityID: w.ID, HandlerName: handler}
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

func queueArtefact(f *fixture, code string) {
	f.provider.QueueJSON("TaskArtefact", worker.TaskArtefact{
		Thought:         "run the computation",
		PythonCode:      code,
		OutputVariables: []worker.OutputVariable{},
	})
}

func queuePassingValidation(f *fixture) {
	f.provider.QueueJSON("TaskValidation", worker.TaskValidation{
		TaskCompleted:   true,
		ValidatedResult: worker.TaskResult{Result: "total computed", Output: "42"},
	})
}

func TestStandardWorkerRetryThenSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := seedWorker(t, f, false)

	// Attempt 1: the code raises; the failure is classified non-fatal.
	queueArtefact(f, "print(x)")
	f.box.results = append(f.box.results, &sandbox.Result{
		Success: false, Error: "NameError: x", StackTrace: "Traceback...",
	})
	f.provider.QueueJSON("ErrorDiagnosis", worker.ErrorDiagnosis{Explanation: "transient"})

	require.NoError(t, f.deps.ExecuteStandardWorker(ctx, execTask(w, handlers.ExecuteStandardWorker)))
	assert.Equal(t, []string{handlers.ExecuteStandardWorker}, pendingHandlers(t, f.store))

	// Attempt 2 succeeds and validates.
	_, err := f.store.ClearTaskQueue(ctx)
	require.NoError(t, err)
	queueArtefact(f, "x = 42\nprint(x)")
	f.box.results = append(f.box.results, &sandbox.Result{Success: true, Output: "42", Variables: map[string]any{}})
	queuePassingValidation(f)

	require.NoError(t, f.deps.ExecuteStandardWorker(ctx, execTask(w, handlers.ExecuteStandardWorker)))

	got, err := f.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentAttempt)
	assert.Equal(t, store.WorkerStatusCompleted, got.TaskStatus)
	assert.Equal(t, []string{handlers.ExecuteSynthesis}, pendingHandlers(t, f.store))
}

func TestStandardWorkerRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	f.deps.MaxRetry = 2
	ctx := context.Background()
	w := seedWorker(t, f, false)

	for attempt := 0; attempt < 2; attempt++ {
		queueArtefact(f, "print(x)")
		f.box.results = append(f.box.results, &sandbox.Result{Success: false, Error: "NameError: x"})
		f.provider.QueueJSON("ErrorDiagnosis", worker.ErrorDiagnosis{Explanation: "same error"})
		_, err := f.store.ClearTaskQueue(ctx)
		require.NoError(t, err)
		require.NoError(t, f.deps.ExecuteStandardWorker(ctx, execTask(w, handlers.ExecuteStandardWorker)))
		w, err = f.store.GetWorker(ctx, w.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, w.CurrentAttempt)
	assert.Equal(t, store.WorkerStatusFailedValidation, w.TaskStatus)
	assert.Equal(t, "Task failed after multiple tries.", w.TaskResult)
	// Exactly one synthesis task, enqueued by the final attempt.
	assert.Equal(t, []string{handlers.ExecuteSynthesis}, pendingHandlers(t, f.store))
}

func TestStandardWorkerRejectsMaliciousCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := seedWorker(t, f, false)

	f.provider.QueueJSON("TaskArtefact", worker.TaskArtefact{
		Thought:         "wipe the disk",
		PythonCode:      "import os; os.system('rm -rf /')",
		OutputVariables: []worker.OutputVariable{},
		IsMalicious:     true,
	})

	require.NoError(t, f.deps.ExecuteStandardWorker(ctx, execTask(w, handlers.ExecuteStandardWorker)))

	// The sandbox is never invoked, the rejection is on the log, and the
	// attempt counter advanced with a retry queued.
	assert.Equal(t, 0, f.box.Calls)
	got, err := f.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentAttempt)

	msgs, err := f.store.GetMessages(ctx, model.AgentWorker, w.ID)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Contains(t, last.Content.Text, "rejected")
	assert.Equal(t, []string{handlers.ExecuteStandardWorker}, pendingHandlers(t, f.store))
}

func TestStandardWorkerMissingToolIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := seedWorker(t, f, false)

	queueArtefact(f, "import scanner")
	f.box.results = append(f.box.results, &sandbox.Result{Success: false, Error: "ModuleNotFoundError: scanner"})
	f.provider.QueueJSON("ErrorDiagnosis", worker.ErrorDiagnosis{MissingTool: true, Explanation: "needs a scanner tool"})

	require.NoError(t, f.deps.ExecuteStandardWorker(ctx, execTask(w, handlers.ExecuteStandardWorker)))

	got, err := f.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusFailedValidation, got.TaskStatus)
	assert.Equal(t, []string{handlers.ExecuteSynthesis}, pendingHandlers(t, f.store))
}

func TestStandardWorkerSavesDeclaredOutputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := seedWorker(t, f, false)

	f.provider.QueueJSON("TaskArtefact", worker.TaskArtefact{
		Thought:         "compute and keep the total",
		PythonCode:      "total = 42",
		OutputVariables: []worker.OutputVariable{{Name: "total"}},
	})
	f.box.results = append(f.box.results, &sandbox.Result{
		Success:   true,
		Variables: map[string]any{"total": float64(42)},
	})
	queuePassingValidation(f)

	require.NoError(t, f.deps.ExecuteStandardWorker(ctx, execTask(w, handlers.ExecuteStandardWorker)))

	got, err := f.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	require.Contains(t, got.OutputVariablePaths, "total")

	var v any
	require.NoError(t, f.deps.Artefacts.LoadVariable(got.OutputVariablePaths["total"], &v))
	assert.Equal(t, float64(42), v)
}

func TestSQLWorkerWithoutCodeFailsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := seedWorker(t, f, true)

	f.provider.QueueJSON("TaskArtefactSQL", worker.TaskArtefactSQL{
		Thought:              "cannot see the needed table",
		ReasonCodeNotCreated: "the context names no table with revenue data",
	})

	require.NoError(t, f.deps.ExecuteSQLWorker(ctx, execTask(w, handlers.ExecuteSQLWorker)))

	got, err := f.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusFailedValidation, got.TaskStatus)
	assert.Contains(t, got.TaskResult, "no table with revenue data")
	assert.Equal(t, []string{handlers.ExecuteSynthesis}, pendingHandlers(t, f.store))
}

func seedCurrentTask(t *testing.T, f *fixture, plannerID string, task planner.Task) {
	t.Helper()
	require.NoError(t, f.deps.Artefacts.SaveDoc(plannerID, planner.TaskDocName, task))
}

func TestWorkerInitialisationCreatesAndSeedsWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plannerID := ids.New()
	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{
		ID:          plannerID,
		RouterID:    "r1",
		Instruction: "prefer SQL",
		Status:      store.PlannerStatusExecuting,
	}))
	taskID := ids.New()
	seedCurrentTask(t, f, plannerID, planner.Task{
		TaskID:             taskID,
		UserRequest:        "total revenue",
		TaskDescription:    "sum the revenue column",
		AcceptanceCriteria: []string{"a number"},
	})

	payload, _ := json.Marshal(planner.WorkerPayload{PlannerID: plannerID})
	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityWorker, EntityID: taskID, HandlerName: handlers.WorkerInitialisation, Payload: payload}
	require.NoError(t, f.deps.WorkerInitialisation(ctx, task))

	w, err := f.store.GetWorker(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, plannerID, w.PlannerID)
	assert.Equal(t, store.WorkerStatusPending, w.TaskStatus)
	assert.Equal(t, 0, w.CurrentAttempt)

	msgs, err := f.store.GetMessages(ctx, model.AgentWorker, taskID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "sum the revenue column", msgs[0].Content.Text)

	assert.Equal(t, []string{handlers.ExecuteStandardWorker}, pendingHandlers(t, f.store))
}

func TestWorkerInitialisationDispatchesSQLWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plannerID := ids.New()
	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{ID: plannerID, Status: store.PlannerStatusExecuting}))
	taskID := ids.New()
	seedCurrentTask(t, f, plannerID, planner.Task{
		TaskID:                 taskID,
		TaskDescription:        "query the table",
		QueryingStructuredData: true,
	})

	payload, _ := json.Marshal(planner.WorkerPayload{PlannerID: plannerID})
	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityWorker, EntityID: taskID, HandlerName: handlers.WorkerInitialisation, Payload: payload}
	require.NoError(t, f.deps.WorkerInitialisation(ctx, task))
	assert.Equal(t, []string{handlers.ExecuteSQLWorker}, pendingHandlers(t, f.store))
}

func TestWorkerInitialisationResumeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plannerID := ids.New()
	require.NoError(t, f.store.CreatePlanner(ctx, &store.Planner{ID: plannerID, Status: store.PlannerStatusExecuting}))
	taskID := ids.New()
	seedCurrentTask(t, f, plannerID, planner.Task{TaskID: taskID, TaskDescription: "sum"})

	payload, _ := json.Marshal(planner.WorkerPayload{PlannerID: plannerID})
	task := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityWorker, EntityID: taskID, HandlerName: handlers.WorkerInitialisation, Payload: payload}
	require.NoError(t, f.deps.WorkerInitialisation(ctx, task))

	before, err := f.store.GetMessages(ctx, model.AgentWorker, taskID)
	require.NoError(t, err)
	_, err = f.store.ClearTaskQueue(ctx)
	require.NoError(t, err)

	// Simulates the crash-recovery path: the queue was wiped and
	// worker_initialisation is re-enqueued externally for the same worker.
	retry := &store.TaskRecord{TaskID: ids.New(), EntityType: store.EntityWorker, EntityID: taskID, HandlerName: handlers.WorkerInitialisation, Payload: payload}
	require.NoError(t, f.deps.WorkerInitialisation(ctx, retry))

	after, err := f.store.GetMessages(ctx, model.AgentWorker, taskID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	workers, err := f.store.ListWorkersByPlanner(ctx, plannerID)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
	assert.Equal(t, []string{handlers.ExecuteStandardWorker}, pendingHandlers(t, f.store))
}

func TestValidationFailureTakesRetryPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := seedWorker(t, f, false)

	queueArtefact(f, "total = 41")
	f.box.results = append(f.box.results, &sandbox.Result{Success: true, Variables: map[string]any{}})
	f.provider.QueueJSON("TaskValidation", worker.TaskValidation{
		TaskCompleted:  false,
		FailedCriteria: "the produced total does not match the data",
	})

	require.NoError(t, f.deps.ExecuteStandardWorker(ctx, execTask(w, handlers.ExecuteStandardWorker)))

	msgs, err := f.store.GetMessages(ctx, model.AgentWorker, w.ID)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Contains(t, last.Content.Text, "Validation failed")
	assert.Equal(t, []string{handlers.ExecuteStandardWorker}, pendingHandlers(t, f.store))
}
