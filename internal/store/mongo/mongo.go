// Package mongo provides a MongoDB-backed implementation of store.Store,
// giving the orchestration core durability across process restarts: one
// collection per entity kind, explicit bson document structs, and
// store.ErrNotFound on miss.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/store"
)

func now() int64 { return time.Now().UnixNano() }

// Store is a MongoDB implementation of store.Store. It persists routers,
// planners, workers, their message logs, the message->planner relation, and
// the durable task queue to MongoDB.
type Store struct {
	routers  *mongo.Collection
	planners *mongo.Collection
	workers  *mongo.Collection
	messages *mongo.Collection
	links    *mongo.Collection
	tasks    *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// New creates a MongoDB-backed Store using the given database handle. It
// expects (and does not itself create) the "routers", "planners", "workers",
// "messages", "planner_links", and "tasks" collections.
func New(db *mongo.Database) *Store {
	return &Store{
		routers:  db.Collection("routers"),
		planners: db.Collection("planners"),
		workers:  db.Collection("workers"),
		messages: db.Collection("messages"),
		links:    db.Collection("planner_links"),
		tasks:    db.Collection("tasks"),
	}
}

type routerDoc struct {
	ID          string  `bson:"_id"`
	Status      string  `bson:"status"`
	Model       string  `bson:"model"`
	Temperature float64 `bson:"temperature"`
	Title       string  `bson:"title"`
	Preview     string  `bson:"preview"`
	CreatedAt   int64   `bson:"created_at"`
	UpdatedAt   int64   `bson:"updated_at"`
}

func (s *Store) CreateRouter(ctx context.Context, r *store.Router) error {
	doc := routerDoc{
		ID: r.ID, Status: string(r.Status), Model: r.Model, Temperature: r.Temperature,
		Title: r.Title, Preview: r.Preview, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	_, err := s.routers.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("mongo create router %q: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRouter(ctx context.Context, id string) (*store.Router, error) {
	var doc routerDoc
	if err := s.routers.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get router %q: %w", id, err)
	}
	return &store.Router{
		ID: doc.ID, Status: store.RouterStatus(doc.Status), Model: doc.Model,
		Temperature: doc.Temperature, Title: doc.Title, Preview: doc.Preview,
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *Store) UpdateRouter(ctx context.Context, id string, fields map[string]any) error {
	set := bson.M{}
	for k, v := range fields {
		switch vv := v.(type) {
		case store.RouterStatus:
			set["status"] = string(vv)
		default:
			set[k] = v
		}
	}
	res, err := s.routers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongo update router %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListRouters(ctx context.Context) ([]*store.Router, error) {
	cur, err := s.routers.Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("mongo list routers: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []routerDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo list routers decode: %w", err)
	}
	out := make([]*store.Router, len(docs))
	for i, d := range docs {
		out[i] = &store.Router{ID: d.ID, Status: store.RouterStatus(d.Status), Model: d.Model,
			Temperature: d.Temperature, Title: d.Title, Preview: d.Preview,
			CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
	}
	return out, nil
}

type plannerDoc struct {
	ID              string            `bson:"_id"`
	RouterID        string            `bson:"router_id"`
	UserQuestion    string            `bson:"user_question"`
	Instruction     string            `bson:"instruction"`
	ExecutionPlan   string            `bson:"execution_plan"`
	Model           string            `bson:"model"`
	Temperature     float64           `bson:"temperature"`
	FailedTaskLimit int               `bson:"failed_task_limit"`
	Status          string            `bson:"status"`
	NextHandler     string            `bson:"next_handler"`
	UserResponse    string            `bson:"user_response"`
	VariablePaths   map[string]string `bson:"variable_paths"`
	ImagePaths      map[string]string `bson:"image_paths"`
	CreatedAt       int64             `bson:"created_at"`
	UpdatedAt       int64             `bson:"updated_at"`
}

func toPlannerDoc(p *store.Planner) plannerDoc {
	return plannerDoc{
		ID: p.ID, RouterID: p.RouterID, UserQuestion: p.UserQuestion, Instruction: p.Instruction,
		ExecutionPlan: p.ExecutionPlan, Model: p.Model, Temperature: p.Temperature,
		FailedTaskLimit: p.FailedTaskLimit, Status: string(p.Status), NextHandler: p.NextHandler,
		UserResponse: p.UserResponse, VariablePaths: p.VariablePaths, ImagePaths: p.ImagePaths,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

func fromPlannerDoc(d *plannerDoc) *store.Planner {
	return &store.Planner{
		ID: d.ID, RouterID: d.RouterID, UserQuestion: d.UserQuestion, Instruction: d.Instruction,
		ExecutionPlan: d.ExecutionPlan, Model: d.Model, Temperature: d.Temperature,
		FailedTaskLimit: d.FailedTaskLimit, Status: store.PlannerStatus(d.Status), NextHandler: d.NextHandler,
		UserResponse: d.UserResponse, VariablePaths: d.VariablePaths, ImagePaths: d.ImagePaths,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (s *Store) CreatePlanner(ctx context.Context, p *store.Planner) error {
	_, err := s.planners.InsertOne(ctx, toPlannerDoc(p))
	if err != nil {
		return fmt.Errorf("mongo create planner %q: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPlanner(ctx context.Context, id string) (*store.Planner, error) {
	var doc plannerDoc
	if err := s.planners.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get planner %q: %w", id, err)
	}
	return fromPlannerDoc(&doc), nil
}

func (s *Store) UpdatePlanner(ctx context.Context, id string, fields map[string]any) error {
	set := bson.M{}
	for k, v := range fields {
		if status, ok := v.(store.PlannerStatus); ok {
			set[k] = string(status)
			continue
		}
		set[k] = v
	}
	res, err := s.planners.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongo update planner %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPlannersByStatus(ctx context.Context, statuses ...store.PlannerStatus) ([]*store.Planner, error) {
	filter := bson.M{}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		filter["status"] = bson.M{"$in": ss}
	}
	cur, err := s.planners.Find(ctx, filter, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo list planners: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []plannerDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo list planners decode: %w", err)
	}
	out := make([]*store.Planner, len(docs))
	for i := range docs {
		out[i] = fromPlannerDoc(&docs[i])
	}
	return out, nil
}

type workerDoc struct {
	ID                     string            `bson:"_id"`
	PlannerID              string            `bson:"planner_id"`
	Name                   string            `bson:"name"`
	TaskStatus             string            `bson:"task_status"`
	TaskDescription        string            `bson:"task_description"`
	TaskResult             string            `bson:"task_result"`
	AcceptanceCriteria     []string          `bson:"acceptance_criteria"`
	QueryingStructuredData bool              `bson:"querying_structured_data"`
	ImageKeys              []string          `bson:"image_keys"`
	VariableKeys           []string          `bson:"variable_keys"`
	Tools                  []string          `bson:"tools"`
	InputVariablePaths     map[string]string `bson:"input_variable_paths"`
	InputImagePaths        map[string]string `bson:"input_image_paths"`
	OutputVariablePaths    map[string]string `bson:"output_variable_paths"`
	OutputImagePaths       map[string]string `bson:"output_image_paths"`
	CurrentAttempt         int               `bson:"current_attempt"`
	MaxRetry               int               `bson:"max_retry"`
	CreatedAt              int64             `bson:"created_at"`
	UpdatedAt              int64             `bson:"updated_at"`
}

func toWorkerDoc(w *store.Worker) workerDoc {
	return workerDoc{
		ID: w.ID, PlannerID: w.PlannerID, Name: w.Name, TaskStatus: string(w.TaskStatus),
		TaskDescription: w.TaskDescription, TaskResult: w.TaskResult,
		AcceptanceCriteria: w.AcceptanceCriteria, QueryingStructuredData: w.QueryingStructuredData,
		ImageKeys: w.ImageKeys, VariableKeys: w.VariableKeys, Tools: w.Tools,
		InputVariablePaths: w.InputVariablePaths, InputImagePaths: w.InputImagePaths,
		OutputVariablePaths: w.OutputVariablePaths, OutputImagePaths: w.OutputImagePaths,
		CurrentAttempt: w.CurrentAttempt, MaxRetry: w.MaxRetry,
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
	}
}

func fromWorkerDoc(d *workerDoc) *store.Worker {
	return &store.Worker{
		ID: d.ID, PlannerID: d.PlannerID, Name: d.Name, TaskStatus: store.WorkerTaskStatus(d.TaskStatus),
		TaskDescription: d.TaskDescription, TaskResult: d.TaskResult,
		AcceptanceCriteria: d.AcceptanceCriteria, QueryingStructuredData: d.QueryingStructuredData,
		ImageKeys: d.ImageKeys, VariableKeys: d.VariableKeys, Tools: d.Tools,
		InputVariablePaths: d.InputVariablePaths, InputImagePaths: d.InputImagePaths,
		OutputVariablePaths: d.OutputVariablePaths, OutputImagePaths: d.OutputImagePaths,
		CurrentAttempt: d.CurrentAttempt, MaxRetry: d.MaxRetry,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (s *Store) CreateWorker(ctx context.Context, w *store.Worker) error {
	_, err := s.workers.InsertOne(ctx, toWorkerDoc(w))
	if err != nil {
		return fmt.Errorf("mongo create worker %q: %w", w.ID, err)
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*store.Worker, error) {
	var doc workerDoc
	if err := s.workers.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get worker %q: %w", id, err)
	}
	return fromWorkerDoc(&doc), nil
}

func (s *Store) UpdateWorker(ctx context.Context, id string, fields map[string]any) error {
	set := bson.M{}
	for k, v := range fields {
		if status, ok := v.(store.WorkerTaskStatus); ok {
			set[k] = string(status)
			continue
		}
		set[k] = v
	}
	res, err := s.workers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongo update worker %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListWorkersByPlanner(ctx context.Context, plannerID string) ([]*store.Worker, error) {
	cur, err := s.workers.Find(ctx, bson.M{"planner_id": plannerID}, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo list workers: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []workerDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo list workers decode: %w", err)
	}
	out := make([]*store.Worker, len(docs))
	for i := range docs {
		out[i] = fromWorkerDoc(&docs[i])
	}
	return out, nil
}

func (s *Store) ListWorkersByStatus(ctx context.Context, plannerID string, statuses ...store.WorkerTaskStatus) ([]*store.Worker, error) {
	ss := make([]string, len(statuses))
	for i, st := range statuses {
		ss[i] = string(st)
	}
	cur, err := s.workers.Find(ctx, bson.M{"planner_id": plannerID, "task_status": bson.M{"$in": ss}})
	if err != nil {
		return nil, fmt.Errorf("mongo list workers by status: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []workerDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo list workers by status decode: %w", err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt < docs[j].CreatedAt })
	out := make([]*store.Worker, len(docs))
	for i := range docs {
		out[i] = fromWorkerDoc(&docs[i])
	}
	return out, nil
}

type messageDoc struct {
	ID        string `bson:"_id"`
	AgentType string `bson:"agent_type"`
	AgentID   string `bson:"agent_id"`
	Role      string `bson:"role"`
	Content   []byte `bson:"content"` // canonical model.Content JSON encoding
	CreatedAt int64  `bson:"created_at"`
}

func (s *Store) AddMessage(ctx context.Context, agentType model.AgentType, agentID string, role model.Role, content model.Content) (string, error) {
	raw, err := content.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("mongo encode message content: %w", err)
	}
	id := ids.New()
	doc := messageDoc{ID: id, AgentType: string(agentType), AgentID: agentID, Role: string(role), Content: raw}
	// CreatedAt comes from the caller's clock; per-agent ordering relies on
	// the single-writer-per-agent discipline of the handler chain, not on
	// anything Mongo enforces.
	doc.CreatedAt = now()
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("mongo add message: %w", err)
	}
	return id, nil
}

func (s *Store) GetMessages(ctx context.Context, agentType model.AgentType, agentID string) ([]model.Message, error) {
	cur, err := s.messages.Find(ctx,
		bson.M{"agent_type": string(agentType), "agent_id": agentID},
		options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo get messages: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo get messages decode: %w", err)
	}
	out := make([]model.Message, len(docs))
	for i, d := range docs {
		var content model.Content
		if err := content.UnmarshalJSON(d.Content); err != nil {
			return nil, fmt.Errorf("mongo decode message content: %w", err)
		}
		out[i] = model.Message{
			ID: d.ID, AgentType: model.AgentType(d.AgentType), AgentID: d.AgentID,
			Role: model.Role(d.Role), Content: content, CreatedAt: d.CreatedAt,
		}
	}
	return out, nil
}

type linkDoc struct {
	ID        string `bson:"_id"`
	RouterID  string `bson:"router_id"`
	MessageID string `bson:"message_id"`
	PlannerID string `bson:"planner_id"`
	Relation  string `bson:"relation"`
}

func (s *Store) LinkMessagePlanner(ctx context.Context, routerID, messageID, plannerID, relation string) error {
	doc := linkDoc{ID: routerID + ":" + messageID, RouterID: routerID, MessageID: messageID, PlannerID: plannerID, Relation: relation}
	opts := options.Replace().SetUpsert(true)
	_, err := s.links.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongo link message planner: %w", err)
	}
	return nil
}

func (s *Store) PlannerForMessage(ctx context.Context, routerID, messageID string) (string, error) {
	var doc linkDoc
	if err := s.links.FindOne(ctx, bson.M{"_id": routerID + ":" + messageID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("mongo planner for message: %w", err)
	}
	return doc.PlannerID, nil
}

type taskDoc struct {
	ID           string `bson:"_id"`
	EntityType   string `bson:"entity_type"`
	EntityID     string `bson:"entity_id"`
	HandlerName  string `bson:"handler_name"`
	Status       string `bson:"status"`
	Payload      []byte `bson:"payload,omitempty"`
	CreatedAt    int64  `bson:"created_at"`
	StartedAt    *int64 `bson:"started_at,omitempty"`
	CompletedAt  *int64 `bson:"completed_at,omitempty"`
	ErrorMessage string `bson:"error_message,omitempty"`
}

func (s *Store) EnqueueTask(ctx context.Context, taskID string, entityType store.EntityType, entityID, handlerName string, payload []byte) error {
	doc := taskDoc{
		ID: taskID, EntityType: string(entityType), EntityID: entityID, HandlerName: handlerName,
		Status: string(store.TaskPending), Payload: payload, CreatedAt: now(),
	}
	_, err := s.tasks.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("mongo enqueue task %q: %w", taskID, err)
	}
	return nil
}

func (s *Store) GetPendingTasks(ctx context.Context) ([]*store.TaskRecord, error) {
	cur, err := s.tasks.Find(ctx, bson.M{"status": string(store.TaskPending)}, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo get pending tasks: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []taskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo get pending tasks decode: %w", err)
	}
	out := make([]*store.TaskRecord, len(docs))
	for i, d := range docs {
		out[i] = &store.TaskRecord{
			TaskID: d.ID, EntityType: store.EntityType(d.EntityType), EntityID: d.EntityID,
			HandlerName: d.HandlerName, Status: store.TaskStatus(d.Status), Payload: d.Payload,
			CreatedAt: d.CreatedAt, StartedAt: d.StartedAt, CompletedAt: d.CompletedAt, ErrorMessage: d.ErrorMessage,
		}
	}
	return out, nil
}

// ClaimTask performs the PENDING -> IN_PROGRESS compare-and-swap atomically
// via a single FindOneAndUpdate filtered on the PENDING status.
func (s *Store) ClaimTask(ctx context.Context, taskID string) error {
	started := now()
	res := s.tasks.FindOneAndUpdate(ctx,
		bson.M{"_id": taskID, "status": string(store.TaskPending)},
		bson.M{"$set": bson.M{"status": string(store.TaskInProgress), "started_at": started}},
	)
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Either the task doesn't exist or it was already claimed.
			var existing taskDoc
			if lookupErr := s.tasks.FindOne(ctx, bson.M{"_id": taskID}).Decode(&existing); lookupErr != nil {
				return store.ErrNotFound
			}
			return store.ErrAlreadyClaimed
		}
		return fmt.Errorf("mongo claim task %q: %w", taskID, err)
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, status store.TaskStatus, errMsg string) error {
	completed := now()
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID},
		bson.M{"$set": bson.M{"status": string(status), "completed_at": completed, "error_message": errMsg}})
	if err != nil {
		return fmt.Errorf("mongo complete task %q: %w", taskID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClearTaskQueue(ctx context.Context) (int, error) {
	res, err := s.tasks.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo clear task queue: %w", err)
	}
	return int(res.DeletedCount), nil
}
