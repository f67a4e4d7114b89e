package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agentcore/planrunner/internal/artefact"
	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/notifier"
	"github.com/agentcore/planrunner/internal/planner"
	"github.com/agentcore/planrunner/internal/sandbox"
	"github.com/agentcore/planrunner/internal/sqlengine"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/telemetry"
	"github.com/agentcore/planrunner/internal/toolregistry"
)

// valuePreviewLimit bounds the string form of a variable shown in worker
// messages.
const valuePreviewLimit = 10000

// Deps carries everything the worker handlers need.
type Deps struct {
	Store     store.Store
	Artefacts *artefact.Store
	LLM       *llm.Client
	Sandbox   sandbox.Sandbox
	Tools     *toolregistry.Registry
	Notifier  notifier.Notifier
	Logger    telemetry.Logger

	// Model and Temperature are the worker-role LLM defaults.
	Model       string
	Temperature float64

	// MaxRetry is the per-worker attempt budget.
	MaxRetry int
}

// Register installs the three worker handlers in the registry.
func Register(reg *handlers.Registry, d *Deps) error {
	if err := reg.Register(handlers.WorkerInitialisation, d.WorkerInitialisation); err != nil {
		return err
	}
	if err := reg.Register(handlers.ExecuteStandardWorker, d.ExecuteStandardWorker); err != nil {
		return err
	}
	return reg.Register(handlers.ExecuteSQLWorker, d.ExecuteSQLWorker)
}

func (d *Deps) request(msgs []model.Message) *llm.Request {
	return &llm.Request{Model: d.Model, Temperature: d.Temperature, Messages: msgs}
}

// enqueueExecute queues the execute handler matching the worker kind.
func (d *Deps) enqueueExecute(ctx context.Context, w *store.Worker) error {
	name := handlers.ExecuteStandardWorker
	if w.QueryingStructuredData {
		name = handlers.ExecuteSQLWorker
	}
	if err := d.Store.EnqueueTask(ctx, ids.New(), store.EntityWorker, w.ID, name, nil); err != nil {
		return fmt.Errorf("worker: enqueue %s: %w", name, err)
	}
	return nil
}

// enqueueSynthesis hands control back to the owning planner. The planner's
// next_handler is updated first so it always names the most recently
// enqueued handler.
func (d *Deps) enqueueSynthesis(ctx context.Context, plannerID string) error {
	if err := d.Store.UpdatePlanner(ctx, plannerID, map[string]any{"next_handler": handlers.ExecuteSynthesis}); err != nil {
		return fmt.Errorf("worker: set planner next_handler: %w", err)
	}
	if err := d.Store.EnqueueTask(ctx, ids.New(), store.EntityPlanner, plannerID, handlers.ExecuteSynthesis, nil); err != nil {
		return fmt.Errorf("worker: enqueue synthesis: %w", err)
	}
	return nil
}

// WorkerInitialisation creates the worker for the planner's current task,
// seeds its message log, and queues the matching execute handler. When the
// worker row already exists this is a resume: only the execute handler is
// re-enqueued.
func (d *Deps) WorkerInitialisation(ctx context.Context, task *store.TaskRecord) error {
	var payload planner.WorkerPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("worker: decode payload: %w", err)
	}
	workerID := task.EntityID

	if existing, err := d.Store.GetWorker(ctx, workerID); err == nil {
		d.Logger.Info(ctx, "worker: resume, skipping initialisation", "worker_id", workerID)
		return d.enqueueExecute(ctx, existing)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("worker: lookup worker: %w", err)
	}

	var t planner.Task
	if err := d.Artefacts.LoadDoc(payload.PlannerID, planner.TaskDocName, &t); err != nil {
		return fmt.Errorf("worker: load current task: %w", err)
	}
	if t.TaskID != workerID {
		return fmt.Errorf("worker: current task %s does not match worker %s", t.TaskID, workerID)
	}

	p, err := d.Store.GetPlanner(ctx, payload.PlannerID)
	if err != nil {
		return fmt.Errorf("worker: load planner: %w", err)
	}

	w := &store.Worker{
		ID:                     workerID,
		PlannerID:              p.ID,
		Name:                   "worker_" + ids.Short(),
		TaskStatus:             store.WorkerStatusPending,
		TaskDescription:        t.TaskDescription,
		AcceptanceCriteria:     t.AcceptanceCriteria,
		QueryingStructuredData: t.QueryingStructuredData,
		ImageKeys:              t.ImageKeys,
		VariableKeys:           t.VariableKeys,
		Tools:                  t.Tools,
		InputVariablePaths:     filterPaths(p.VariablePaths, t.VariableKeys),
		InputImagePaths:        filterPaths(p.ImagePaths, t.ImageKeys),
		OutputVariablePaths:    map[string]string{},
		OutputImagePaths:       map[string]string{},
		CurrentAttempt:         0,
		MaxRetry:               d.MaxRetry,
	}
	if err := d.Store.CreateWorker(ctx, w); err != nil {
		return fmt.Errorf("worker: create worker: %w", err)
	}

	if err := d.seedWorkerLog(ctx, w, p, &t); err != nil {
		return err
	}
	d.Notifier.Send(ctx, notifier.Status(p.RouterID, "Working on: "+t.TaskDescription))
	return d.enqueueExecute(ctx, w)
}

// seedWorkerLog writes the worker's initial transcript in the order the
// execute handlers expect: task, context, input images, variable catalogue,
// document filepaths, tool docstrings.
func (d *Deps) seedWorkerLog(ctx context.Context, w *store.Worker, p *store.Planner, t *planner.Task) error {
	add := func(role model.Role, content model.Content) error {
		_, err := d.Store.AddMessage(ctx, model.AgentWorker, w.ID, role, content)
		return err
	}

	if err := add(model.RoleUser, model.TextContent(t.TaskDescription)); err != nil {
		return fmt.Errorf("worker: seed task description: %w", err)
	}

	var ctxMsg strings.Builder
	if p.Instruction != "" {
		ctxMsg.WriteString("# Context\n" + p.Instruction + "\n\n")
	}
	ctxMsg.WriteString("# User request\n" + t.UserRequest + "\n")
	if err := add(model.RoleDeveloper, model.TextContent(ctxMsg.String())); err != nil {
		return fmt.Errorf("worker: seed context: %w", err)
	}

	for _, key := range sortedKeys(w.InputImagePaths) {
		encoded, err := d.Artefacts.LoadImage(w.InputImagePaths[key])
		if err != nil {
			return err
		}
		recipe := fmt.Sprintf(
			"Image %q is shown below. Inside generated code it is available as "+
				"raw PNG bytes via input_images[%q]; wrap it with io.BytesIO to open it.",
			key, key)
		if err := add(model.RoleUser, model.MultipartContent(
			model.TextPart{Text: recipe},
			model.ImageRefPart{URL: "data:image/png;base64," + encoded},
		)); err != nil {
			return fmt.Errorf("worker: seed image %s: %w", key, err)
		}
	}

	if err := add(model.RoleDeveloper, model.TextContent(d.variableCatalogue(w))); err != nil {
		return fmt.Errorf("worker: seed variables: %w", err)
	}

	var docs planner.DocumentsDoc
	if err := d.Artefacts.LoadDoc(p.ID, planner.DocumentsDocName, &docs); err == nil && len(docs.Filepaths) > 0 {
		text := "# Available documents\n" + strings.Join(docs.Filepaths, "\n")
		if err := add(model.RoleDeveloper, model.TextContent(text)); err != nil {
			return fmt.Errorf("worker: seed documents: %w", err)
		}
	}

	if specs := d.Tools.Docstrings(t.Tools); len(specs) > 0 {
		var b strings.Builder
		b.WriteString("# Available functions\n")
		for _, s := range specs {
			b.WriteString("## " + s.Name + "\n" + s.Docstring + "\n\n")
		}
		if err := add(model.RoleDeveloper, model.TextContent(b.String())); err != nil {
			return fmt.Errorf("worker: seed tools: %w", err)
		}
	}
	return nil
}

// variableCatalogue renders the selected input variables with their types
// and length-bounded string forms.
func (d *Deps) variableCatalogue(w *store.Worker) string {
	var b strings.Builder
	b.WriteString("# Available variables\n")
	if len(w.InputVariablePaths) == 0 {
		b.WriteString("(none)\n")
		return b.String()
	}
	for _, key := range sortedKeys(w.InputVariablePaths) {
		var v any
		if err := d.Artefacts.LoadVariable(w.InputVariablePaths[key], &v); err != nil {
			b.WriteString(fmt.Sprintf("- %s: (unreadable: %v)\n", key, err))
			continue
		}
		b.WriteString(fmt.Sprintf("- %s (%T): %s\n", key, v, truncate(fmt.Sprintf("%v", v), valuePreviewLimit)))
	}
	return b.String()
}

// withFailureGuard runs the attempt body and converts an unexpected error
// into the fatal path: the worker row is marked failed and synthesis is
// enqueued regardless, so the planner always gets the chance to adapt, then
// the error is re-raised to the dispatcher.
func (d *Deps) withFailureGuard(ctx context.Context, w *store.Worker, body func() error) error {
	err := body()
	if err == nil {
		return nil
	}
	if uerr := d.Store.UpdateWorker(ctx, w.ID, map[string]any{"task_status": store.WorkerStatusFailed}); uerr != nil {
		d.Logger.Error(ctx, "worker: mark failed", "worker_id", w.ID, "err", uerr)
	}
	if serr := d.enqueueSynthesis(ctx, w.PlannerID); serr != nil {
		d.Logger.Error(ctx, "worker: enqueue synthesis after failure", "worker_id", w.ID, "err", serr)
	}
	return err
}

// ExecuteStandardWorker runs one attempt of a sandboxed-code task.
func (d *Deps) ExecuteStandardWorker(ctx context.Context, task *store.TaskRecord) error {
	w, err := d.Store.GetWorker(ctx, task.EntityID)
	if err != nil {
		return fmt.Errorf("worker: load worker: %w", err)
	}
	return d.withFailureGuard(ctx, w, func() error {
		return d.standardAttempt(ctx, w)
	})
}

func (d *Deps) standardAttempt(ctx context.Context, w *store.Worker) error {
	w.CurrentAttempt++
	if err := d.Store.UpdateWorker(ctx, w.ID, map[string]any{
		"task_status":     store.WorkerStatusInProgress,
		"current_attempt": w.CurrentAttempt,
	}); err != nil {
		return fmt.Errorf("worker: bump attempt: %w", err)
	}

	msgs, err := d.Store.GetMessages(ctx, model.AgentWorker, w.ID)
	if err != nil {
		return fmt.Errorf("worker: load messages: %w", err)
	}
	var art TaskArtefact
	if err := d.LLM.Structured(ctx, d.request(msgs), ArtefactSchema, &art); err != nil {
		return fmt.Errorf("worker: generate artefact: %w", err)
	}

	if art.IsMalicious {
		if err := d.addAssistant(ctx, w, "The proposed action was rejected because it was judged malicious. The code was not executed."); err != nil {
			return err
		}
		return d.attemptFailed(ctx, w)
	}

	if art.PythonCode == "" {
		if err := d.addAssistant(ctx, w, art.Result); err != nil {
			return err
		}
		ok, err := d.validate(ctx, w)
		if err != nil {
			return err
		}
		if ok {
			return d.enqueueSynthesis(ctx, w.PlannerID)
		}
		return d.attemptFailed(ctx, w)
	}

	if err := d.addAssistant(ctx, w, "```python\n"+art.PythonCode+"\n```"); err != nil {
		return err
	}

	locals, err := d.buildLocals(w, art.OutputVariables)
	if err != nil {
		return err
	}
	res, err := d.Sandbox.Execute(ctx, art.PythonCode, locals)
	if err != nil {
		return fmt.Errorf("worker: sandbox: %w", err)
	}

	if !res.Success {
		if err := d.addAssistant(ctx, w, fmt.Sprintf("Execution failed.\n%s\n\n%s", res.Error, res.StackTrace)); err != nil {
			return err
		}
		fatal, err := d.diagnoseFailure(ctx, w)
		if err != nil {
			return err
		}
		if fatal {
			return d.failValidation(ctx, w, "Task failed: "+res.Error)
		}
		return d.attemptFailed(ctx, w)
	}

	if err := d.addAssistant(ctx, w, "Execution succeeded.\nOutput:\n"+truncate(res.Output, valuePreviewLimit)); err != nil {
		return err
	}
	if err := d.saveOutputs(ctx, w, art.OutputVariables, res); err != nil {
		if errors.Is(err, errBadImageShape) {
			if aerr := d.addAssistant(ctx, w, err.Error()); aerr != nil {
				return aerr
			}
			return d.attemptFailed(ctx, w)
		}
		return err
	}

	ok, err := d.validate(ctx, w)
	if err != nil {
		return err
	}
	if ok {
		return d.enqueueSynthesis(ctx, w.PlannerID)
	}
	return d.attemptFailed(ctx, w)
}

var errBadImageShape = errors.New("worker: an output declared as image was neither an encoded image, a list of encoded images, nor a name-to-image map")

// buildLocals assembles the sandbox environment for one execution.
func (d *Deps) buildLocals(w *store.Worker, outputs []OutputVariable) (sandbox.Locals, error) {
	locals := sandbox.Locals{
		Variables: map[string]any{},
		Images:    map[string]string{},
		Tools:     w.Tools,
	}
	for key, path := range w.InputVariablePaths {
		var v any
		if err := d.Artefacts.LoadVariable(path, &v); err != nil {
			return locals, err
		}
		locals.Variables[key] = v
	}
	for key, path := range w.InputImagePaths {
		encoded, err := d.Artefacts.LoadImage(path)
		if err != nil {
			return locals, err
		}
		locals.Images[key] = encoded
	}
	for _, o := range outputs {
		locals.Wanted = append(locals.Wanted, o.Name)
	}
	return locals, nil
}

// saveOutputs persists declared outputs: image-declared values must be an
// encoded image string, a list of them, or a name-to-image map; everything
// else is saved as a variable.
func (d *Deps) saveOutputs(ctx context.Context, w *store.Worker, outputs []OutputVariable, res *sandbox.Result) error {
	outVars := clonePaths(w.OutputVariablePaths)
	outImages := clonePaths(w.OutputImagePaths)
	for _, o := range outputs {
		value, ok := res.Variables[o.Name]
		if !ok {
			continue
		}
		if o.IsImage {
			images, err := imageSet(o.Name, value)
			if err != nil {
				return err
			}
			for name, encoded := range images {
				existing := make(map[string]bool, len(outImages))
				for k := range outImages {
					existing[k] = true
				}
				path, key, err := d.Artefacts.SaveImage(w.PlannerID, name, existing, encoded, artefact.Avoid)
				if err != nil {
					return err
				}
				outImages[key] = path
			}
			continue
		}
		path, key, err := d.Artefacts.SaveVariable(w.PlannerID, o.Name, value, artefact.Avoid)
		if err != nil {
			return err
		}
		outVars[key] = path
		if err := d.addAssistant(ctx, w, fmt.Sprintf("Saved output variable %q = %s",
			key, truncate(fmt.Sprintf("%v", value), valuePreviewLimit))); err != nil {
			return err
		}
	}
	return d.Store.UpdateWorker(ctx, w.ID, map[string]any{
		"output_variable_paths": outVars,
		"output_image_paths":    outImages,
	})
}

// imageSet normalises an image-declared runtime value into name->encoded
// pairs, enforcing the accepted shapes.
func imageSet(name string, value any) (map[string]string, error) {
	switch v := value.(type) {
	case string:
		return map[string]string{name: v}, nil
	case []any:
		out := make(map[string]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errBadImageShape
			}
			out[fmt.Sprintf("%s_%d", name, i)] = s
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errBadImageShape
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, errBadImageShape
	}
}

// diagnoseFailure asks the LLM whether the last sandbox error is fatal for
// the attempt chain: a missing tool always is; three identical failures are
// once at least three attempts have run.
func (d *Deps) diagnoseFailure(ctx context.Context, w *store.Worker) (bool, error) {
	msgs, err := d.Store.GetMessages(ctx, model.AgentWorker, w.ID)
	if err != nil {
		return false, fmt.Errorf("worker: load messages: %w", err)
	}
	prompt := model.Message{Role: model.RoleDeveloper, Content: model.TextContent(
		"Classify the execution failure above: does the error indicate a tool or " +
			"library missing from the execution environment? Separately, if this task " +
			"has failed at least three times, were the failures identical?")}
	var diag ErrorDiagnosis
	if err := d.LLM.Structured(ctx, d.request(append(msgs, prompt)), DiagnosisSchema, &diag); err != nil {
		return false, fmt.Errorf("worker: diagnose failure: %w", err)
	}
	if diag.MissingTool {
		return true, nil
	}
	return w.CurrentAttempt >= 3 && diag.IdenticalFailures, nil
}

// ExecuteSQLWorker runs one attempt of a SQL task against the planner's
// database file, opened read-only.
func (d *Deps) ExecuteSQLWorker(ctx context.Context, task *store.TaskRecord) error {
	w, err := d.Store.GetWorker(ctx, task.EntityID)
	if err != nil {
		return fmt.Errorf("worker: load worker: %w", err)
	}
	return d.withFailureGuard(ctx, w, func() error {
		return d.sqlAttempt(ctx, w)
	})
}

func (d *Deps) sqlAttempt(ctx context.Context, w *store.Worker) error {
	w.CurrentAttempt++
	if err := d.Store.UpdateWorker(ctx, w.ID, map[string]any{
		"task_status":     store.WorkerStatusInProgress,
		"current_attempt": w.CurrentAttempt,
	}); err != nil {
		return fmt.Errorf("worker: bump attempt: %w", err)
	}

	msgs, err := d.Store.GetMessages(ctx, model.AgentWorker, w.ID)
	if err != nil {
		return fmt.Errorf("worker: load messages: %w", err)
	}
	var art TaskArtefactSQL
	if err := d.LLM.Structured(ctx, d.request(msgs), ArtefactSQLSchema, &art); err != nil {
		return fmt.Errorf("worker: generate sql artefact: %w", err)
	}

	if art.SQLCode == "" {
		return d.failValidation(ctx, w, "No SQL generated: "+art.ReasonCodeNotCreated)
	}

	if err := d.addAssistant(ctx, w, "```sql\n"+art.SQLCode+"\n```"); err != nil {
		return err
	}

	engine, err := sqlengine.Open(d.Artefacts.DatabasePath(w.PlannerID), true)
	if err != nil {
		return err
	}
	defer engine.Close()
	cols, rows, err := engine.Query(ctx, art.SQLCode)
	if err != nil {
		if aerr := d.addAssistant(ctx, w, fmt.Sprintf("Query failed: %v\nRewrite the query to address the error.", err)); aerr != nil {
			return aerr
		}
		return d.attemptFailed(ctx, w)
	}

	if err := d.addAssistant(ctx, w, "Query result:\n"+sqlengine.RenderMarkdownTable(cols, rows)); err != nil {
		return err
	}
	ok, err := d.validate(ctx, w)
	if err != nil {
		return err
	}
	if ok {
		return d.enqueueSynthesis(ctx, w.PlannerID)
	}
	return d.attemptFailed(ctx, w)
}

// validate appends the acceptance criteria and asks the LLM for a verdict.
// A positive verdict completes the worker; a negative one records the
// diagnostic and reports false so the caller takes the attempt-failed path.
func (d *Deps) validate(ctx context.Context, w *store.Worker) (bool, error) {
	var b strings.Builder
	b.WriteString("Validate the task outcome above against the acceptance criteria:\n")
	for _, c := range w.AcceptanceCriteria {
		b.WriteString("- " + c + "\n")
	}
	if _, err := d.Store.AddMessage(ctx, model.AgentWorker, w.ID, model.RoleDeveloper, model.TextContent(b.String())); err != nil {
		return false, fmt.Errorf("worker: append criteria: %w", err)
	}
	msgs, err := d.Store.GetMessages(ctx, model.AgentWorker, w.ID)
	if err != nil {
		return false, fmt.Errorf("worker: load messages: %w", err)
	}
	var verdict TaskValidation
	if err := d.LLM.Structured(ctx, d.request(msgs), ValidationSchema, &verdict); err != nil {
		return false, fmt.Errorf("worker: validate: %w", err)
	}
	if verdict.TaskCompleted {
		if err := d.Store.UpdateWorker(ctx, w.ID, map[string]any{
			"task_status": store.WorkerStatusCompleted,
			"task_result": verdict.ValidatedResult.Render(),
		}); err != nil {
			return false, fmt.Errorf("worker: complete worker: %w", err)
		}
		return true, nil
	}
	if err := d.addAssistant(ctx, w, "Validation failed: "+verdict.FailedCriteria); err != nil {
		return false, err
	}
	return false, nil
}

// attemptFailed retries while budget remains, otherwise gives up and hands
// the worker to synthesis as failed_validation.
func (d *Deps) attemptFailed(ctx context.Context, w *store.Worker) error {
	if w.CurrentAttempt < w.MaxRetry {
		return d.enqueueExecute(ctx, w)
	}
	return d.failValidation(ctx, w, "Task failed after multiple tries.")
}

// failValidation terminates the attempt chain as failed_validation and
// enqueues synthesis.
func (d *Deps) failValidation(ctx context.Context, w *store.Worker, result string) error {
	if err := d.Store.UpdateWorker(ctx, w.ID, map[string]any{
		"task_status": store.WorkerStatusFailedValidation,
		"task_result": result,
	}); err != nil {
		return fmt.Errorf("worker: fail validation: %w", err)
	}
	return d.enqueueSynthesis(ctx, w.PlannerID)
}

func (d *Deps) addAssistant(ctx context.Context, w *store.Worker, text string) error {
	if _, err := d.Store.AddMessage(ctx, model.AgentWorker, w.ID, model.RoleAssistant, model.TextContent(text)); err != nil {
		return fmt.Errorf("worker: append assistant message: %w", err)
	}
	return nil
}

func filterPaths(paths map[string]string, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if p, ok := paths[k]; ok {
			out[k] = p
		}
	}
	return out
}

func clonePaths(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
