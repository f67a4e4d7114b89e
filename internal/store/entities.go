// Package store defines the persistence contract backing every entity in the
// orchestration core: routers, planners, workers, their message logs, and the
// durable task queue. Concrete backends live in subpackages (memory, mongo).
package store

import "errors"

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed is returned by ClaimTask when the task is not PENDING.
var ErrAlreadyClaimed = errors.New("task already claimed")

// RouterStatus is the lifecycle state of a Router (session).
type RouterStatus string

const (
	RouterStatusActive     RouterStatus = "active"
	RouterStatusProcessing RouterStatus = "processing"
	RouterStatusCompleted  RouterStatus = "completed"
	RouterStatusFailed     RouterStatus = "failed"
	RouterStatusArchived   RouterStatus = "archived"
)

// PlannerStatus is the lifecycle state of a Planner.
type PlannerStatus string

const (
	PlannerStatusPlanning  PlannerStatus = "planning"
	PlannerStatusExecuting PlannerStatus = "executing"
	PlannerStatusCompleted PlannerStatus = "completed"
	PlannerStatusFailed    PlannerStatus = "failed"
)

// HandlerWaitingForWorker is the sentinel Planner.NextHandler value meaning
// "no planner task currently in flight; a worker chain is running". It is
// never a registered handler name.
const HandlerWaitingForWorker = "waiting_for_worker"

// HandlerCompleted is the sentinel Planner.NextHandler value once a planner
// has finalised.
const HandlerCompleted = "completed"

// WorkerTaskStatus is the lifecycle state of a Worker's current attempt chain.
type WorkerTaskStatus string

const (
	WorkerStatusPending          WorkerTaskStatus = "pending"
	WorkerStatusInProgress       WorkerTaskStatus = "in_progress"
	WorkerStatusCompleted        WorkerTaskStatus = "completed"
	WorkerStatusFailedValidation WorkerTaskStatus = "failed_validation"
	WorkerStatusRecorded         WorkerTaskStatus = "recorded"
	WorkerStatusFailed           WorkerTaskStatus = "failed"
)

// TaskStatus is the lifecycle state of a queued TaskRecord.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// EntityType identifies which kind of entity a TaskRecord targets.
type EntityType string

const (
	EntityPlanner EntityType = "planner"
	EntityWorker  EntityType = "worker"
)

// Router is one conversation session.
type Router struct {
	ID          string
	Status      RouterStatus
	Model       string
	Temperature float64
	Title       string
	Preview     string
	CreatedAt   int64
	UpdatedAt   int64
}

// Planner owns one complex user turn's decomposition and synthesis.
type Planner struct {
	ID              string
	RouterID        string
	UserQuestion    string
	Instruction     string
	ExecutionPlan   string // markdown rendering, denormalised for UI
	Model           string
	Temperature     float64
	FailedTaskLimit int
	Status          PlannerStatus
	NextHandler     string
	UserResponse    string
	VariablePaths   map[string]string
	ImagePaths      map[string]string
	CreatedAt       int64
	UpdatedAt       int64
}

// Worker executes one task attempt chain.
type Worker struct {
	ID                     string
	PlannerID              string
	Name                   string
	TaskStatus             WorkerTaskStatus
	TaskDescription        string
	TaskResult             string
	AcceptanceCriteria     []string
	QueryingStructuredData bool
	ImageKeys              []string
	VariableKeys           []string
	Tools                  []string
	InputVariablePaths     map[string]string
	InputImagePaths        map[string]string
	OutputVariablePaths    map[string]string
	OutputImagePaths       map[string]string
	CurrentAttempt         int
	MaxRetry               int
	CreatedAt              int64
	UpdatedAt              int64
}

// TaskRecord is one entry in the durable task queue.
type TaskRecord struct {
	TaskID      string
	EntityType  EntityType
	EntityID    string
	HandlerName string
	Status      TaskStatus
	Payload     []byte // JSON, handler-defined shape
	CreatedAt   int64
	StartedAt   *int64
	CompletedAt *int64
	ErrorMessage string
}

// MessagePlannerLink records which planner produced a given assistant
// message on a router's log, resolving the Router<->Planner cyclic
// reference via an id-indexed relation instead of embedded pointers.
type MessagePlannerLink struct {
	RouterID  string
	MessageID string
	PlannerID string
	Relation  string
}
