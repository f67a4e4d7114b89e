package planner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentcore/planrunner/internal/artefact"
	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/notifier"
	"github.com/agentcore/planrunner/internal/sqlengine"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/telemetry"
	"github.com/agentcore/planrunner/internal/toolregistry"
)

// systemPrompt seeds every planner's message log.
const systemPrompt = "You are a planning agent. You decompose a user request into an " +
	"execution plan of discrete todo items, emit one task at a time for a worker " +
	"agent to execute, revise the plan as worker results arrive, and finally " +
	"compose a markdown answer for the user from the accumulated results. " +
	"Work strictly from the context provided in this conversation."

// Deps carries everything the planner handlers need. Handlers are pure
// functions of (task, deps); all effects go through the deps.
type Deps struct {
	Store     store.Store
	Artefacts *artefact.Store
	LLM       *llm.Client
	Tools     *toolregistry.Registry
	Notifier  notifier.Notifier
	Logger    telemetry.Logger

	// Model and Temperature are the planner-role LLM defaults.
	Model       string
	Temperature float64

	// FailedTaskLimit fails the overall request after this many
	// failed-validation tasks.
	FailedTaskLimit int
}

// Register installs the three planner handlers in the registry.
func Register(reg *handlers.Registry, d *Deps) error {
	if err := reg.Register(handlers.ExecuteInitialPlanning, d.ExecuteInitialPlanning); err != nil {
		return err
	}
	if err := reg.Register(handlers.ExecuteTaskCreation, d.ExecuteTaskCreation); err != nil {
		return err
	}
	return reg.Register(handlers.ExecuteSynthesis, d.ExecuteSynthesis)
}

// updateNextAndEnqueue atomically (from the chain's point of view: exactly
// one follow-up per handler return) records the planner's next handler and
// inserts the matching queue record.
func (d *Deps) updateNextAndEnqueue(ctx context.Context, plannerID, handlerName string) error {
	if err := d.Store.UpdatePlanner(ctx, plannerID, map[string]any{"next_handler": handlerName}); err != nil {
		return fmt.Errorf("set next_handler: %w", err)
	}
	if err := d.Store.EnqueueTask(ctx, ids.New(), store.EntityPlanner, plannerID, handlerName, nil); err != nil {
		return fmt.Errorf("enqueue %s: %w", handlerName, err)
	}
	return nil
}

func (d *Deps) request(p *store.Planner, msgs []model.Message) *llm.Request {
	return &llm.Request{Model: p.Model, Temperature: p.Temperature, Messages: msgs}
}

// ExecuteInitialPlanning creates the planner, ingests the turn's input
// files, asks the LLM for the initial execution plan, and chains into task
// creation. Re-invocation for an existing planner id is a resume: it only
// re-enqueues task creation.
func (d *Deps) ExecuteInitialPlanning(ctx context.Context, task *store.TaskRecord) error {
	var payload InitialPlanningPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("planner: decode initial planning payload: %w", err)
	}
	plannerID := task.EntityID

	if _, err := d.Store.GetPlanner(ctx, plannerID); err == nil {
		d.Logger.Info(ctx, "planner: resume, skipping initial planning", "planner_id", plannerID)
		return d.updateNextAndEnqueue(ctx, plannerID, handlers.ExecuteTaskCreation)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("planner: lookup planner: %w", err)
	}

	p := &store.Planner{
		ID:              plannerID,
		RouterID:        payload.RouterID,
		UserQuestion:    payload.UserQuestion,
		Instruction:     payload.Instruction,
		Model:           d.Model,
		Temperature:     d.Temperature,
		FailedTaskLimit: d.FailedTaskLimit,
		Status:          store.PlannerStatusPlanning,
		NextHandler:     handlers.ExecuteTaskCreation,
		VariablePaths:   map[string]string{},
		ImagePaths:      map[string]string{},
	}
	if err := d.Store.CreatePlanner(ctx, p); err != nil {
		return fmt.Errorf("planner: create planner: %w", err)
	}
	if err := d.Store.LinkMessagePlanner(ctx, payload.RouterID, payload.MessageID, plannerID, "planner"); err != nil {
		return d.failPlanner(ctx, plannerID, fmt.Errorf("planner: link message: %w", err))
	}

	if err := d.seedPlannerLog(ctx, p, payload); err != nil {
		return d.failPlanner(ctx, plannerID, err)
	}

	d.Notifier.Send(ctx, notifier.Status(payload.RouterID, "Planning approach"))

	msgs, err := d.Store.GetMessages(ctx, model.AgentPlanner, plannerID)
	if err != nil {
		return d.failPlanner(ctx, plannerID, fmt.Errorf("planner: load messages: %w", err))
	}
	planPrompt := model.Message{Role: model.RoleDeveloper, Content: model.TextContent(
		"Produce an execution plan for the user request above: a one-sentence " +
			"objective and an ordered list of todo descriptions. Each todo must be " +
			"executable by a single worker in one step.")}
	var initial InitialExecutionPlan
	if err := d.LLM.Structured(ctx, d.request(p, append(msgs, planPrompt)), InitialPlanSchema, &initial); err != nil {
		return d.failPlanner(ctx, plannerID, fmt.Errorf("planner: initial plan: %w", err))
	}

	plan := NewExecutionPlan(initial)
	if err := d.Artefacts.SaveDoc(plannerID, PlanDocName, plan); err != nil {
		return d.failPlanner(ctx, plannerID, err)
	}
	if err := d.Store.UpdatePlanner(ctx, plannerID, map[string]any{
		"execution_plan": plan.Markdown(),
		"status":         store.PlannerStatusExecuting,
	}); err != nil {
		return d.failPlanner(ctx, plannerID, fmt.Errorf("planner: persist plan: %w", err))
	}
	return d.updateNextAndEnqueue(ctx, plannerID, handlers.ExecuteTaskCreation)
}

// seedPlannerLog writes the planner's system message, guidance, user
// question, and per-file ingestion messages.
func (d *Deps) seedPlannerLog(ctx context.Context, p *store.Planner, payload InitialPlanningPayload) error {
	add := func(role model.Role, content model.Content) error {
		_, err := d.Store.AddMessage(ctx, model.AgentPlanner, p.ID, role, content)
		return err
	}
	if err := add(model.RoleSystem, model.TextContent(systemPrompt)); err != nil {
		return fmt.Errorf("planner: seed system message: %w", err)
	}
	if payload.Instruction != "" {
		if err := add(model.RoleDeveloper, model.TextContent(payload.Instruction)); err != nil {
			return fmt.Errorf("planner: seed instruction: %w", err)
		}
	}
	if err := add(model.RoleUser, model.TextContent(payload.UserQuestion)); err != nil {
		return fmt.Errorf("planner: seed user question: %w", err)
	}

	var tables TablesDoc
	var documents DocumentsDoc
	imagePaths := map[string]string{}

	for _, f := range payload.Files {
		switch f.FileType {
		case FileImage:
			raw, err := os.ReadFile(f.Filepath)
			if err != nil {
				return fmt.Errorf("planner: read image %s: %w", f.Filepath, err)
			}
			encoded := base64.StdEncoding.EncodeToString(raw)
			existing := make(map[string]bool, len(imagePaths))
			for k := range imagePaths {
				existing[k] = true
			}
			stem := strings.TrimSuffix(filepath.Base(f.Filepath), filepath.Ext(f.Filepath))
			path, key, err := d.Artefacts.SaveImage(p.ID, stem, existing, encoded, artefact.Avoid)
			if err != nil {
				return err
			}
			imagePaths[key] = path
			text := fmt.Sprintf("Attached image %q.", key)
			if f.Context != "" {
				text += " " + f.Context
			}
			if err := add(model.RoleUser, model.MultipartContent(
				model.TextPart{Text: text},
				model.ImageRefPart{URL: "data:image/png;base64," + encoded},
			)); err != nil {
				return fmt.Errorf("planner: seed image message: %w", err)
			}

		case FileData:
			meta, err := d.ingestCSV(p.ID, f.Filepath)
			if err != nil {
				return err
			}
			tables.Tables = append(tables.Tables, *meta)
			desc := fmt.Sprintf("Data table %q is available for SQL queries (%d rows).\nFirst rows:\n%s",
				meta.TableName, meta.RowCount, meta.FirstRows)
			if err := add(model.RoleDeveloper, model.TextContent(desc)); err != nil {
				return fmt.Errorf("planner: seed table message: %w", err)
			}

		case FileDocument:
			// Documents are not ingested here; workers open them through
			// tools using the recorded filepath.
			documents.Filepaths = append(documents.Filepaths, f.Filepath)

		default:
			return fmt.Errorf("planner: unknown file type %q for %s", f.FileType, f.Filepath)
		}
	}

	if len(imagePaths) > 0 {
		if err := d.Store.UpdatePlanner(ctx, p.ID, map[string]any{"image_paths": imagePaths}); err != nil {
			return fmt.Errorf("planner: persist image paths: %w", err)
		}
	}
	if err := d.Artefacts.SaveDoc(p.ID, TablesDocName, tables); err != nil {
		return err
	}
	if err := d.Artefacts.SaveDoc(p.ID, DocumentsDocName, documents); err != nil {
		return err
	}
	return d.Artefacts.SaveDoc(p.ID, FailuresDocName, FailuresDoc{})
}

func (d *Deps) ingestCSV(plannerID, path string) (*sqlengine.TableMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("planner: open csv %s: %w", path, err)
	}
	defer f.Close()
	dbPath := d.Artefacts.DatabasePath(plannerID)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("planner: create planner dir: %w", err)
	}
	engine, err := sqlengine.Open(dbPath, false)
	if err != nil {
		return nil, err
	}
	defer engine.Close()
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return engine.IngestCSV(stem, f)
}

func (d *Deps) failPlanner(ctx context.Context, plannerID string, err error) error {
	if uerr := d.Store.UpdatePlanner(ctx, plannerID, map[string]any{"status": store.PlannerStatusFailed}); uerr != nil {
		d.Logger.Error(ctx, "planner: mark failed", "planner_id", plannerID, "err", uerr)
	}
	return err
}

// ExecuteTaskCreation turns the current next-action todo into a structured
// Task, persists it, and hands off to worker initialisation. With no open
// todo left it chains into synthesis instead.
func (d *Deps) ExecuteTaskCreation(ctx context.Context, task *store.TaskRecord) error {
	plannerID := task.EntityID
	p, err := d.Store.GetPlanner(ctx, plannerID)
	if err != nil {
		return fmt.Errorf("planner: load planner: %w", err)
	}

	var plan ExecutionPlan
	if err := d.Artefacts.LoadDoc(plannerID, PlanDocName, &plan); err != nil {
		return d.failPlanner(ctx, plannerID, err)
	}
	if !plan.HasOpenTodos() {
		return d.updateNextAndEnqueue(ctx, plannerID, handlers.ExecuteSynthesis)
	}
	current := plan.NextAction()
	if current == nil {
		plan.ResetNextAction()
		current = plan.NextAction()
		if err := d.Artefacts.SaveDoc(plannerID, PlanDocName, &plan); err != nil {
			return d.failPlanner(ctx, plannerID, err)
		}
	}

	d.Notifier.Send(ctx, notifier.Status(p.RouterID, "Preparing task: "+current.Text()))

	var tables TablesDoc
	if err := d.Artefacts.LoadDoc(plannerID, TablesDocName, &tables); err != nil {
		tables = TablesDoc{}
	}

	msgs, err := d.Store.GetMessages(ctx, model.AgentPlanner, plannerID)
	if err != nil {
		return fmt.Errorf("planner: load messages: %w", err)
	}
	prompt := d.taskCreationPrompt(p, &plan)
	var out Task
	if err := d.LLM.Structured(ctx, d.request(p, append(msgs, prompt)), TaskSchema, &out); err != nil {
		return d.failPlanner(ctx, plannerID, fmt.Errorf("planner: create task: %w", err))
	}
	if len(tables.Tables) == 0 {
		out.QueryingStructuredData = false
	}
	out.TaskID = ids.New()

	if err := d.Artefacts.SaveDoc(plannerID, TaskDocName, out); err != nil {
		return d.failPlanner(ctx, plannerID, err)
	}
	if err := d.Store.UpdatePlanner(ctx, plannerID, map[string]any{"next_handler": store.HandlerWaitingForWorker}); err != nil {
		return fmt.Errorf("planner: set waiting_for_worker: %w", err)
	}
	payload, err := json.Marshal(WorkerPayload{PlannerID: plannerID})
	if err != nil {
		return fmt.Errorf("planner: encode worker payload: %w", err)
	}
	if err := d.Store.EnqueueTask(ctx, ids.New(), store.EntityWorker, out.TaskID, handlers.WorkerInitialisation, payload); err != nil {
		return fmt.Errorf("planner: enqueue worker: %w", err)
	}
	return nil
}

func (d *Deps) taskCreationPrompt(p *store.Planner, plan *ExecutionPlan) model.Message {
	var b strings.Builder
	b.WriteString("Create the task for the todo marked \"<-- current task\" in the plan below.\n\n")
	b.WriteString(plan.MarkdownWithCurrent())
	b.WriteString("\nToday's date: " + time.Now().Format("2006-01-02") + "\n")
	if catalogue := d.Tools.Catalogue(); catalogue != "" {
		b.WriteString("\n# Available tools\n" + catalogue)
	}
	b.WriteString("\n# Available image keys\n" + keyList(p.ImagePaths))
	b.WriteString("\n# Available variable keys\n" + keyList(p.VariablePaths))
	return model.Message{Role: model.RoleDeveloper, Content: model.TextContent(b.String())}
}

func keyList(paths map[string]string) string {
	if len(paths) == 0 {
		return "(none)\n"
	}
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, "\n") + "\n"
}

// ExecuteSynthesis folds finished worker results back into the plan,
// revises the remaining todos with the LLM, and either loops into the next
// task creation or finalises the planner with the user-facing answer.
func (d *Deps) ExecuteSynthesis(ctx context.Context, task *store.TaskRecord) error {
	plannerID := task.EntityID
	p, err := d.Store.GetPlanner(ctx, plannerID)
	if err != nil {
		return fmt.Errorf("planner: load planner: %w", err)
	}

	workers, err := d.Store.ListWorkersByStatus(ctx, plannerID,
		store.WorkerStatusCompleted, store.WorkerStatusFailedValidation)
	if err != nil {
		return fmt.Errorf("planner: list workers: %w", err)
	}
	if len(workers) == 0 {
		return d.updateNextAndEnqueue(ctx, plannerID, handlers.ExecuteTaskCreation)
	}

	var plan ExecutionPlan
	if err := d.Artefacts.LoadDoc(plannerID, PlanDocName, &plan); err != nil {
		return d.failPlanner(ctx, plannerID, err)
	}
	var failures FailuresDoc
	if err := d.Artefacts.LoadDoc(plannerID, FailuresDocName, &failures); err != nil {
		failures = FailuresDoc{}
	}

	for _, w := range workers {
		summary, err := d.workerSummary(ctx, w)
		if err != nil {
			return fmt.Errorf("planner: summarise worker %s: %w", w.ID, err)
		}
		if _, err := d.Store.AddMessage(ctx, model.AgentPlanner, plannerID, model.RoleAssistant, model.TextContent(summary)); err != nil {
			return fmt.Errorf("planner: record worker summary: %w", err)
		}

		if w.TaskStatus == store.WorkerStatusCompleted {
			plan.MarkNextActionCompleted()
		} else {
			failures.Failed = append(failures.Failed, w.TaskDescription)
			if err := d.Artefacts.SaveDoc(plannerID, FailuresDocName, failures); err != nil {
				return d.failPlanner(ctx, plannerID, err)
			}
		}

		if len(failures.Failed) >= p.FailedTaskLimit {
			return d.finalise(ctx, p, &plan, w.ID, true)
		}

		rev, err := d.revisePlan(ctx, p, &plan)
		if err != nil {
			return d.failPlanner(ctx, plannerID, err)
		}
		plan.MergeRevision(*rev)

		if !plan.HasOpenTodos() {
			return d.finalise(ctx, p, &plan, w.ID, false)
		}

		if err := d.mergeWorkerOutputs(ctx, p, &w.OutputVariablePaths, &w.OutputImagePaths); err != nil {
			return d.failPlanner(ctx, plannerID, err)
		}
		if err := d.Store.UpdateWorker(ctx, w.ID, map[string]any{"task_status": store.WorkerStatusRecorded}); err != nil {
			return fmt.Errorf("planner: record worker: %w", err)
		}
		if err := d.Artefacts.SaveDoc(plannerID, PlanDocName, &plan); err != nil {
			return d.failPlanner(ctx, plannerID, err)
		}
		if err := d.Store.UpdatePlanner(ctx, plannerID, map[string]any{"execution_plan": plan.Markdown()}); err != nil {
			return fmt.Errorf("planner: persist plan markdown: %w", err)
		}
		// Reload the planner so the next iteration's merge sees the paths
		// added for this worker.
		if p, err = d.Store.GetPlanner(ctx, plannerID); err != nil {
			return fmt.Errorf("planner: reload planner: %w", err)
		}
	}

	return d.updateNextAndEnqueue(ctx, plannerID, handlers.ExecuteTaskCreation)
}

// workerSummary condenses a worker's assistant messages so the planner
// learns what the worker did without inheriting its full transcript.
func (d *Deps) workerSummary(ctx context.Context, w *store.Worker) (string, error) {
	msgs, err := d.Store.GetMessages(ctx, model.AgentWorker, w.ID)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, m := range msgs {
		if m.Role != model.RoleAssistant || !m.Content.IsText() {
			continue
		}
		parts = append(parts, truncate(m.Content.Text, 2000))
	}
	status := "completed"
	if w.TaskStatus != store.WorkerStatusCompleted {
		status = "failed validation"
	}
	return fmt.Sprintf("Task %q %s.\nResult: %s\nWorker log:\n%s",
		w.TaskDescription, status, w.TaskResult, strings.Join(parts, "\n---\n")), nil
}

// revisePlan asks the LLM to revise the open todos given the newly
// synthesised worker result. The LLM never sees completed or obsolete
// entries.
func (d *Deps) revisePlan(ctx context.Context, p *store.Planner, plan *ExecutionPlan) (*ExecutionPlan, error) {
	msgs, err := d.Store.GetMessages(ctx, model.AgentPlanner, p.ID)
	if err != nil {
		return nil, fmt.Errorf("planner: load messages: %w", err)
	}
	var b strings.Builder
	b.WriteString("Given the latest task result above, revise the remaining open todos. ")
	b.WriteString("You may update descriptions, mark todos completed or obsolete, or append new todos. ")
	b.WriteString("Mark every remaining todo completed or obsolete when the objective is fully achieved.\n\n# Open todos\n")
	for _, t := range plan.OpenTodos() {
		b.WriteString("- " + t + "\n")
	}
	prompt := model.Message{Role: model.RoleDeveloper, Content: model.TextContent(b.String())}
	var rev ExecutionPlan
	if err := d.LLM.Structured(ctx, d.request(p, append(msgs, prompt)), PlanRevisionSchema, &rev); err != nil {
		return nil, fmt.Errorf("planner: revise plan: %w", err)
	}
	return &rev, nil
}

// finalise composes the user-facing answer, completes the planner, records
// the triggering worker, and removes the planner's artefacts. failed
// indicates the failed-task limit was reached, in which case the answer
// must acknowledge the failure.
func (d *Deps) finalise(ctx context.Context, p *store.Planner, plan *ExecutionPlan, workerID string, failed bool) error {
	msgs, err := d.Store.GetMessages(ctx, model.AgentPlanner, p.ID)
	if err != nil {
		return fmt.Errorf("planner: load messages: %w", err)
	}
	promptText := "Compose the final markdown answer to the user's request from the " +
		"task results above. Do not introduce information that is not present in the results."
	if failed {
		promptText = "Too many tasks failed to complete this request reliably. Compose the " +
			"best available partial markdown answer from the task results above, and state " +
			"explicitly which parts could not be completed and why the attempt was stopped."
	}
	prompt := model.Message{Role: model.RoleDeveloper, Content: model.TextContent(promptText)}
	answer, err := d.LLM.Text(ctx, d.request(p, append(msgs, prompt)))
	if err != nil {
		return d.failPlanner(ctx, p.ID, fmt.Errorf("planner: final answer: %w", err))
	}

	if err := d.Store.UpdatePlanner(ctx, p.ID, map[string]any{
		"user_response":  answer,
		"execution_plan": plan.Markdown(),
		"status":         store.PlannerStatusCompleted,
		"next_handler":   store.HandlerCompleted,
	}); err != nil {
		return fmt.Errorf("planner: finalise planner: %w", err)
	}
	if err := d.Store.UpdateWorker(ctx, workerID, map[string]any{"task_status": store.WorkerStatusRecorded}); err != nil {
		return fmt.Errorf("planner: record final worker: %w", err)
	}
	if err := d.Artefacts.Cleanup(p.ID); err != nil {
		return err
	}
	d.Logger.Info(ctx, "planner: completed", "planner_id", p.ID, "failed_limit_reached", failed)
	return nil
}

// mergeWorkerOutputs adopts a worker's output artefacts into the planner's
// key space. The files already live under the planner's artefact directory
// with on-disk-unique names; only the logical keys need collision
// resolution against the planner's current maps.
func (d *Deps) mergeWorkerOutputs(ctx context.Context, p *store.Planner, vars, images *map[string]string) error {
	varPaths := clonePaths(p.VariablePaths)
	for key, path := range *vars {
		varPaths[freeKey(varPaths, key)] = path
	}
	imgPaths := clonePaths(p.ImagePaths)
	for key, path := range *images {
		imgPaths[freeKey(imgPaths, key)] = path
	}
	return d.Store.UpdatePlanner(ctx, p.ID, map[string]any{
		"variable_paths": varPaths,
		"image_paths":    imgPaths,
	})
}

func clonePaths(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// freeKey returns key, or key with a short suffix when it clashes with an
// existing entry.
func freeKey(m map[string]string, key string) string {
	if _, clash := m[key]; !clash {
		return key
	}
	for {
		candidate := key + "_" + ids.Short()[:3]
		if _, clash := m[candidate]; !clash {
			return candidate
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
