// Package dispatcher runs the poll-batch-execute loop that drives the
// durable task queue: every tick it fetches the pending set, claims each
// record atomically, and runs the registered handler in its own goroutine.
// Ordering within one planner's chain comes from the handler chain
// structure (each handler enqueues at most one follow-up), not from
// dispatcher-level gating.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/store"
	"github.com/agentcore/planrunner/internal/telemetry"
)

// Dispatcher claims and executes TaskRecords.
type Dispatcher struct {
	store    store.Store
	registry *handlers.Registry
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	interval time.Duration

	wg sync.WaitGroup
}

// New returns a Dispatcher polling at interval (1s when zero).
func New(s store.Store, r *handlers.Registry, logger telemetry.Logger, metrics telemetry.Metrics, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{store: s, registry: r, logger: logger, metrics: metrics, interval: interval}
}

// Start wipes the task queue (stale IN_PROGRESS records from a hard crash
// must not be re-run through the queue; resume goes through planner
// next_handler re-enqueue instead) and launches the poll loop. It returns
// once the loop is running; cancel ctx to stop, then Wait for in-flight
// handlers to drain.
func (d *Dispatcher) Start(ctx context.Context) error {
	n, err := d.store.ClearTaskQueue(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: clear task queue: %w", err)
	}
	if n > 0 {
		d.logger.Info(ctx, "dispatcher: wiped stale task queue", "dropped", n)
	}
	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

// Wait blocks until the poll loop and all in-flight handlers have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll fetches the pending set and launches one goroutine per record.
func (d *Dispatcher) poll(ctx context.Context) {
	pending, err := d.store.GetPendingTasks(ctx)
	if err != nil {
		d.logger.Error(ctx, "dispatcher: fetch pending tasks", "err", err)
		return
	}
	for _, task := range pending {
		task := task
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.execute(ctx, task)
		}()
	}
}

// execute claims and runs one task. A lost claim race is a silent drop; an
// unknown handler name or a handler error marks the record FAILED.
func (d *Dispatcher) execute(ctx context.Context, task *store.TaskRecord) {
	if err := d.store.ClaimTask(ctx, task.TaskID); err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrNotFound) {
			return
		}
		d.logger.Error(ctx, "dispatcher: claim task", "task_id", task.TaskID, "err", err)
		return
	}

	start := time.Now()
	handler, ok := d.registry.Get(task.HandlerName)
	if !ok {
		d.logger.Error(ctx, "dispatcher: unknown handler", "task_id", task.TaskID, "handler", task.HandlerName)
		d.complete(ctx, task, store.TaskFailed, fmt.Sprintf("Unknown handler: %s", task.HandlerName))
		return
	}

	d.logger.Debug(ctx, "dispatcher: task started",
		"task_id", task.TaskID, "handler", task.HandlerName,
		"entity_type", string(task.EntityType), "entity_id", task.EntityID)

	if err := handler(ctx, task); err != nil {
		d.logger.Error(ctx, "dispatcher: task failed",
			"task_id", task.TaskID, "handler", task.HandlerName, "err", err)
		d.metrics.IncCounter("tasks_failed", 1, "handler", task.HandlerName)
		d.complete(ctx, task, store.TaskFailed, fmt.Sprintf("%T: %v", err, err))
		return
	}

	d.metrics.IncCounter("tasks_completed", 1, "handler", task.HandlerName)
	d.metrics.RecordTimer("task_duration", time.Since(start), "handler", task.HandlerName)
	d.complete(ctx, task, store.TaskCompleted, "")
}

func (d *Dispatcher) complete(ctx context.Context, task *store.TaskRecord, status store.TaskStatus, errMsg string) {
	if err := d.store.CompleteTask(ctx, task.TaskID, status, errMsg); err != nil {
		d.logger.Error(ctx, "dispatcher: complete task", "task_id", task.TaskID, "err", err)
	}
}
