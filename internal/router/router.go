// Package router implements the session front-end: it ingests user
// messages, classifies simple-chat versus agent-required turns, groups and
// classifies input files, enqueues the initial planning task, and forwards
// plan completions back to the client. It also owns the startup resume scan
// that re-enqueues the pending next_handler of non-terminal planners after
// a restart.
package router

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/notifier"
	"github.com/agentcore/planrunner/internal/planner"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/telemetry"
)

// systemPrompt seeds every router's message log.
const systemPrompt = "You are a helpful assistant. Answer the user directly when you can. " +
	"Complex analytical requests are delegated to a planning agent on your behalf; " +
	"you will then relay the planner's final answer."

// placeholderMessage is the assistant message appended when a planner run
// starts; its id links the eventual planner to this turn.
const placeholderMessage = "Agents assemble!"

// Classification is the structured verdict on whether a turn needs the
// agent pipeline.
type Classification struct {
	CalculationRequired bool   `json:"calculation_required"`
	ComplexQuestion     bool   `json:"complex_question"`
	ContextRichRequest  string `json:"context_rich_request"`
}

// AgentRequired reports whether the turn goes down the complex path.
func (c Classification) AgentRequired() bool {
	return c.CalculationRequired || c.ComplexQuestion
}

// ClassificationSchema constrains the simple-vs-complex verdict.
var ClassificationSchema = llm.MustSchema("RequireAgent", `{
	"type": "object",
	"properties": {
		"calculation_required": {
			"type": "boolean",
			"description": "Does answering require running a calculation?"
		},
		"complex_question": {
			"type": "boolean",
			"description": "Is this a complex question that requires multiple steps to answer?"
		},
		"context_rich_request": {
			"type": "string",
			"description": "When either flag is true, summarise the conversation into a context-rich request for the agent. Empty otherwise."
		}
	},
	"required": ["calculation_required", "complex_question", "context_rich_request"],
	"additionalProperties": false
}`)

// GroupingSchema constrains the file-grouping verdict: one planner run per
// group.
var GroupingSchema = llm.MustSchema("FileGrouping", `{
	"type": "object",
	"properties": {
		"groups": {
			"type": "array",
			"items": {
				"type": "array",
				"items": {"type": "string"}
			},
			"description": "Partition of the given filepaths into groups, one planner run per group. Use a single group unless the request clearly treats files independently (per-file) or as one primary file plus satellites (star pattern)."
		}
	},
	"required": ["groups"],
	"additionalProperties": false
}`)

// instructionLibrary composes domain-specific handling guidance per file
// category, concatenated per group before initial planning.
var instructionLibrary = map[planner.FileType]string{
	planner.FileData: "Tabular data has been loaded into SQL tables. Prefer SQL tasks " +
		"for filtering, aggregation, and joins over loading whole tables into code.",
	planner.FileImage: "Images are attached to the conversation. Read them directly; " +
		"never plan OCR-based extraction.",
	planner.FileDocument: "Documents are available through the document tools. Plan " +
		"targeted fact extraction per question rather than full-document summarisation.",
}

// Router is the session coordinator.
type Router struct {
	Store    store.Store
	LLM      *llm.Client
	Notifier notifier.Notifier
	Logger   telemetry.Logger

	// Model and Temperature are the router-role LLM defaults.
	Model       string
	Temperature float64

	mu        sync.Mutex
	delivered map[string]bool
}

// New returns a Router.
func New(s store.Store, client *llm.Client, n notifier.Notifier, logger telemetry.Logger, modelName string, temperature float64) *Router {
	return &Router{
		Store:       s,
		LLM:         client,
		Notifier:    n,
		Logger:      logger,
		Model:       modelName,
		Temperature: temperature,
		delivered:   make(map[string]bool),
	}
}

// Activate handles the first turn of a session: it creates the router row,
// seeds the system message, and processes the message like any other turn.
func (r *Router) Activate(ctx context.Context, routerID, message string, files []string) error {
	row := &store.Router{
		ID:          routerID,
		Status:      store.RouterStatusActive,
		Model:       r.Model,
		Temperature: r.Temperature,
		Preview:     truncate(message, 200),
	}
	if err := r.Store.CreateRouter(ctx, row); err != nil {
		return fmt.Errorf("router: create router: %w", err)
	}
	if _, err := r.Store.AddMessage(ctx, model.AgentRouter, routerID, model.RoleSystem, model.TextContent(systemPrompt)); err != nil {
		return fmt.Errorf("router: seed system message: %w", err)
	}
	return r.Handle(ctx, routerID, message, files)
}

// Handle processes one user turn. It locks input for the duration of the
// turn; when a planner run starts, unlocking is deferred to
// OnPlannerCompleted.
func (r *Router) Handle(ctx context.Context, routerID, message string, files []string) (err error) {
	r.Notifier.Send(ctx, notifier.InputLock(routerID))
	if err := r.Store.UpdateRouter(ctx, routerID, map[string]any{"status": store.RouterStatusProcessing}); err != nil {
		return fmt.Errorf("router: set processing: %w", err)
	}

	plannerStarted := false
	defer func() {
		if plannerStarted {
			return
		}
		r.Notifier.Send(ctx, notifier.InputUnlock(routerID))
		if uerr := r.Store.UpdateRouter(ctx, routerID, map[string]any{"status": store.RouterStatusActive}); uerr != nil && err == nil {
			err = fmt.Errorf("router: set active: %w", uerr)
		}
	}()

	if _, err := r.Store.AddMessage(ctx, model.AgentRouter, routerID, model.RoleUser, model.TextContent(message)); err != nil {
		return fmt.Errorf("router: append user message: %w", err)
	}

	complex := len(files) > 0
	var classification Classification
	if !complex {
		msgs, err := r.Store.GetMessages(ctx, model.AgentRouter, routerID)
		if err != nil {
			return fmt.Errorf("router: load messages: %w", err)
		}
		prompt := model.Message{Role: model.RoleDeveloper, Content: model.TextContent(
			"Classify the latest user message: does answering it require " +
				"calculations or a multi-step plan, or can it be answered directly?")}
		if err := r.LLM.Structured(ctx, r.request(append(msgs, prompt)), ClassificationSchema, &classification); err != nil {
			return fmt.Errorf("router: classify turn: %w", err)
		}
		complex = classification.AgentRequired()
	}

	if !complex {
		return r.simpleChat(ctx, routerID)
	}

	question := message
	if classification.ContextRichRequest != "" {
		question = classification.ContextRichRequest
	}
	started, err := r.startPlanners(ctx, routerID, question, files)
	plannerStarted = started
	return err
}

func (r *Router) request(msgs []model.Message) *llm.Request {
	return &llm.Request{Model: r.Model, Temperature: r.Temperature, Messages: msgs}
}

// simpleChat answers directly from the router's own log.
func (r *Router) simpleChat(ctx context.Context, routerID string) error {
	r.Notifier.Send(ctx, notifier.Status(routerID, "Thinking"))
	msgs, err := r.Store.GetMessages(ctx, model.AgentRouter, routerID)
	if err != nil {
		return fmt.Errorf("router: load messages: %w", err)
	}
	answer, err := r.LLM.Text(ctx, r.request(msgs))
	if err != nil {
		return fmt.Errorf("router: chat completion: %w", err)
	}
	msgID, err := r.Store.AddMessage(ctx, model.AgentRouter, routerID, model.RoleAssistant, model.TextContent(answer))
	if err != nil {
		return fmt.Errorf("router: append assistant message: %w", err)
	}
	r.Notifier.Send(ctx, notifier.Response(routerID, answer, msgID))
	return nil
}

// startPlanners groups the files, classifies each, and enqueues one
// execute_initial_planning task per group. It reports whether at least one
// planner run started (leaving the input locked).
func (r *Router) startPlanners(ctx context.Context, routerID, question string, files []string) (bool, error) {
	groups, err := r.groupFiles(ctx, routerID, files)
	if err != nil {
		return false, err
	}

	started := false
	for i, group := range groups {
		if len(groups) > 1 {
			r.Notifier.Send(ctx, notifier.Status(routerID, fmt.Sprintf("Starting analysis %d of %d", i+1, len(groups))))
		}
		classified, err := classifyFiles(group)
		if err != nil {
			r.Notifier.Send(ctx, notifier.Error(routerID, err.Error()))
			return started, err
		}
		instruction := composeInstruction(classified)

		msgID, err := r.Store.AddMessage(ctx, model.AgentRouter, routerID, model.RoleAssistant, model.TextContent(placeholderMessage))
		if err != nil {
			return started, fmt.Errorf("router: append placeholder: %w", err)
		}

		payload, err := json.Marshal(planner.InitialPlanningPayload{
			UserQuestion: question,
			Instruction:  instruction,
			Files:        classified,
			MessageID:    msgID,
			RouterID:     routerID,
		})
		if err != nil {
			return started, fmt.Errorf("router: encode planning payload: %w", err)
		}
		plannerID := ids.New()
		if err := r.Store.EnqueueTask(ctx, ids.New(), store.EntityPlanner, plannerID, handlers.ExecuteInitialPlanning, payload); err != nil {
			return started, fmt.Errorf("router: enqueue initial planning: %w", err)
		}
		started = true
	}
	return started, nil
}

// groupFiles partitions files into planner runs: a single group by default,
// with an LLM verdict when more than one file could plausibly be split.
func (r *Router) groupFiles(ctx context.Context, routerID string, files []string) ([][]string, error) {
	if len(files) == 0 {
		return [][]string{nil}, nil
	}
	if len(files) == 1 {
		return [][]string{files}, nil
	}
	msgs, err := r.Store.GetMessages(ctx, model.AgentRouter, routerID)
	if err != nil {
		return nil, fmt.Errorf("router: load messages: %w", err)
	}
	prompt := model.Message{Role: model.RoleDeveloper, Content: model.TextContent(
		"Partition these files into groups, one analysis run per group:\n" + strings.Join(files, "\n"))}
	var grouping struct {
		Groups [][]string `json:"groups"`
	}
	if err := r.LLM.Structured(ctx, r.request(append(msgs, prompt)), GroupingSchema, &grouping); err != nil {
		r.Logger.Warn(ctx, "router: file grouping failed, using single group", "err", err)
		return [][]string{files}, nil
	}
	valid := validateGrouping(grouping.Groups, files)
	if valid == nil {
		return [][]string{files}, nil
	}
	return valid, nil
}

// validateGrouping accepts a grouping only when it is an exact partition of
// files; anything else falls back to a single group.
func validateGrouping(groups [][]string, files []string) [][]string {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f] = false
	}
	count := 0
	for _, g := range groups {
		for _, f := range g {
			used, known := seen[f]
			if !known || used {
				return nil
			}
			seen[f] = true
			count++
		}
	}
	if count != len(files) {
		return nil
	}
	return groups
}

// classifyFiles types each file: CSV by parse probe, PDF by extension or
// %PDF prefix, image by magic bytes, text by encoding probe; anything else
// is rejected.
func classifyFiles(paths []string) ([]planner.File, error) {
	out := make([]planner.File, 0, len(paths))
	for _, p := range paths {
		t, err := classifyFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, planner.File{Filepath: p, FileType: t})
	}
	return out, nil
}

func classifyFile(path string) (planner.FileType, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("router: read file %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".csv" && probeCSV(raw):
		return planner.FileData, nil
	case ext == ".pdf" || bytes.HasPrefix(raw, []byte("%PDF")):
		return planner.FileDocument, nil
	case probeImage(raw):
		return planner.FileImage, nil
	case utf8.Valid(raw):
		return planner.FileDocument, nil
	default:
		return "", fmt.Errorf("router: unsupported file type: %s", path)
	}
}

// probeCSV accepts files whose first records parse as CSV with a stable
// column count.
func probeCSV(raw []byte) bool {
	cr := csv.NewReader(bytes.NewReader(raw))
	header, err := cr.Read()
	if err != nil || len(header) == 0 {
		return false
	}
	for i := 0; i < 5; i++ {
		if _, err := cr.Read(); err != nil {
			return errors.Is(err, io.EOF)
		}
	}
	return true
}

// probeImage accepts PNG, JPEG, and GIF magic bytes.
func probeImage(raw []byte) bool {
	switch {
	case bytes.HasPrefix(raw, []byte("\x89PNG\r\n\x1a\n")):
		return true
	case bytes.HasPrefix(raw, []byte("\xff\xd8\xff")):
		return true
	case bytes.HasPrefix(raw, []byte("GIF87a")) || bytes.HasPrefix(raw, []byte("GIF89a")):
		return true
	default:
		return false
	}
}

// composeInstruction concatenates the instruction-library entries for the
// categories present in the group, in a stable order.
func composeInstruction(files []planner.File) string {
	var parts []string
	for _, t := range []planner.FileType{planner.FileData, planner.FileImage, planner.FileDocument} {
		for _, f := range files {
			if f.FileType == t {
				parts = append(parts, instructionLibrary[t])
				break
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// OnPlannerCompleted relays a finalised planner's answer to the client and
// unlocks the session.
func (r *Router) OnPlannerCompleted(ctx context.Context, plannerID string) error {
	p, err := r.Store.GetPlanner(ctx, plannerID)
	if err != nil {
		return fmt.Errorf("router: load planner: %w", err)
	}
	msgID, err := r.Store.AddMessage(ctx, model.AgentRouter, p.RouterID, model.RoleAssistant, model.TextContent(p.UserResponse))
	if err != nil {
		return fmt.Errorf("router: append planner response: %w", err)
	}
	r.Notifier.Send(ctx, notifier.Response(p.RouterID, p.UserResponse, msgID))
	r.Notifier.Send(ctx, notifier.InputUnlock(p.RouterID))
	if err := r.Store.UpdateRouter(ctx, p.RouterID, map[string]any{"status": store.RouterStatusActive}); err != nil {
		return fmt.Errorf("router: set active: %w", err)
	}
	return nil
}

// RunCompletionPump polls for terminal planners whose results have not been
// relayed yet and delivers each exactly once per process lifetime. Failed
// planners surface as an error event plus unlock instead of a response.
func (r *Router) RunCompletionPump(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pumpOnce(ctx)
		}
	}
}

func (r *Router) pumpOnce(ctx context.Context) {
	planners, err := r.Store.ListPlannersByStatus(ctx, store.PlannerStatusCompleted, store.PlannerStatusFailed)
	if err != nil {
		r.Logger.Error(ctx, "router: completion pump list", "err", err)
		return
	}
	for _, p := range planners {
		r.mu.Lock()
		done := r.delivered[p.ID]
		if !done {
			r.delivered[p.ID] = true
		}
		r.mu.Unlock()
		if done {
			continue
		}
		if p.Status == store.PlannerStatusFailed {
			r.Notifier.Send(ctx, notifier.Error(p.RouterID, "The analysis could not be completed."))
			r.Notifier.Send(ctx, notifier.InputUnlock(p.RouterID))
			if err := r.Store.UpdateRouter(ctx, p.RouterID, map[string]any{"status": store.RouterStatusActive}); err != nil {
				r.Logger.Error(ctx, "router: unlock after failure", "router_id", p.RouterID, "err", err)
			}
			continue
		}
		if err := r.OnPlannerCompleted(ctx, p.ID); err != nil {
			r.Logger.Error(ctx, "router: deliver completion", "planner_id", p.ID, "err", err)
		}
	}
}

// MarkDelivered seeds the pump's delivered set, used at startup so answers
// already relayed before a restart are not re-sent.
func (r *Router) MarkDelivered(plannerIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range plannerIDs {
		r.delivered[id] = true
	}
}

// ResumePending re-enqueues the pending next_handler of every non-terminal
// planner. Called once at startup, after the dispatcher's queue wipe: the
// planner's next_handler field is the durable resume point.
func (r *Router) ResumePending(ctx context.Context) error {
	planners, err := r.Store.ListPlannersByStatus(ctx, store.PlannerStatusPlanning, store.PlannerStatusExecuting)
	if err != nil {
		return fmt.Errorf("router: list non-terminal planners: %w", err)
	}
	for _, p := range planners {
		next := p.NextHandler
		if next == store.HandlerWaitingForWorker {
			// The crash cut the worker chain. When the worker row already
			// exists, worker_initialisation's resume path re-enters the
			// execute handler; otherwise task creation re-emits the task.
			resumed, err := r.resumeWorker(ctx, p.ID)
			if err != nil {
				return err
			}
			if resumed {
				continue
			}
			next = handlers.ExecuteTaskCreation
		}
		if next == "" || next == store.HandlerCompleted {
			continue
		}
		if err := r.Store.EnqueueTask(ctx, ids.New(), store.EntityPlanner, p.ID, next, nil); err != nil {
			return fmt.Errorf("router: resume planner %s: %w", p.ID, err)
		}
		r.Logger.Info(ctx, "router: resumed planner", "planner_id", p.ID, "handler", next)
	}
	return nil
}

// resumeWorker re-enqueues worker_initialisation for a planner's
// still-outstanding worker, if any.
func (r *Router) resumeWorker(ctx context.Context, plannerID string) (bool, error) {
	workers, err := r.Store.ListWorkersByStatus(ctx, plannerID,
		store.WorkerStatusPending, store.WorkerStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("router: list outstanding workers: %w", err)
	}
	if len(workers) == 0 {
		return false, nil
	}
	w := workers[0]
	payload, err := json.Marshal(planner.WorkerPayload{PlannerID: plannerID})
	if err != nil {
		return false, fmt.Errorf("router: encode worker payload: %w", err)
	}
	if err := r.Store.EnqueueTask(ctx, ids.New(), store.EntityWorker, w.ID, handlers.WorkerInitialisation, payload); err != nil {
		return false, fmt.Errorf("router: resume worker %s: %w", w.ID, err)
	}
	r.Logger.Info(ctx, "router: resumed worker", "planner_id", plannerID, "worker_id", w.ID)
	return true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
