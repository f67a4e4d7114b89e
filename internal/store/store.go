package store

import (
	"context"

	"github.com/agentcore/planrunner/internal/model"
)

// Store is the persistence contract for every entity the orchestration core
// manages. Implementations must be safe for concurrent use; writes are
// serialised per (agent_type, agent_id) for message append ordering and
// ClaimTask is a compare-and-swap.
type Store interface {
	// Router CRUD.
	CreateRouter(ctx context.Context, r *Router) error
	GetRouter(ctx context.Context, id string) (*Router, error)
	UpdateRouter(ctx context.Context, id string, fields map[string]any) error
	ListRouters(ctx context.Context) ([]*Router, error)

	// Planner CRUD.
	CreatePlanner(ctx context.Context, p *Planner) error
	GetPlanner(ctx context.Context, id string) (*Planner, error)
	UpdatePlanner(ctx context.Context, id string, fields map[string]any) error
	ListPlannersByStatus(ctx context.Context, statuses ...PlannerStatus) ([]*Planner, error)

	// Worker CRUD.
	CreateWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	UpdateWorker(ctx context.Context, id string, fields map[string]any) error
	ListWorkersByPlanner(ctx context.Context, plannerID string) ([]*Worker, error)
	ListWorkersByStatus(ctx context.Context, plannerID string, statuses ...WorkerTaskStatus) ([]*Worker, error)

	// Messages: append-only per (agent_type, agent_id).
	AddMessage(ctx context.Context, agentType model.AgentType, agentID string, role model.Role, content model.Content) (string, error)
	GetMessages(ctx context.Context, agentType model.AgentType, agentID string) ([]model.Message, error)

	// Router<->Planner relation.
	LinkMessagePlanner(ctx context.Context, routerID, messageID, plannerID, relation string) error
	PlannerForMessage(ctx context.Context, routerID, messageID string) (string, error)

	// Task queue.
	EnqueueTask(ctx context.Context, taskID string, entityType EntityType, entityID, handlerName string, payload []byte) error
	GetPendingTasks(ctx context.Context) ([]*TaskRecord, error)
	ClaimTask(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string, status TaskStatus, errMsg string) error
	ClearTaskQueue(ctx context.Context) (int, error)
}
