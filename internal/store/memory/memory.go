// Package memory provides an in-memory Store implementation for local
// development, tests, and single-process deployments that don't need
// cross-restart durability. Entity values are copied in and out to avoid
// aliasing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentcore/planrunner/internal/ids"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/store"
)

// Store is an in-memory store.Store implementation. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	routers  map[string]*store.Router
	planners map[string]*store.Planner
	workers  map[string]*store.Worker

	// messages is keyed by "agentType:agentID" to serialise append order
	// per agent.
	messages map[string][]model.Message

	links map[string]string // "routerID:messageID" -> plannerID

	tasks map[string]*store.TaskRecord
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		routers:  make(map[string]*store.Router),
		planners: make(map[string]*store.Planner),
		workers:  make(map[string]*store.Worker),
		messages: make(map[string][]model.Message),
		links:    make(map[string]string),
		tasks:    make(map[string]*store.TaskRecord),
	}
}

var _ store.Store = (*Store)(nil)

func now() int64 { return time.Now().UnixNano() }

// --- Router ---

func (s *Store) CreateRouter(_ context.Context, r *store.Router) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.CreatedAt, cp.UpdatedAt = now(), now()
	s.routers[r.ID] = &cp
	return nil
}

func (s *Store) GetRouter(_ context.Context, id string) (*store.Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateRouter(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routers[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "status":
			r.Status = v.(store.RouterStatus)
		case "title":
			r.Title = v.(string)
		case "preview":
			r.Preview = v.(string)
		case "model":
			r.Model = v.(string)
		case "temperature":
			r.Temperature = v.(float64)
		}
	}
	r.UpdatedAt = now()
	return nil
}

func (s *Store) ListRouters(_ context.Context) ([]*store.Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Router, 0, len(s.routers))
	for _, r := range s.routers {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// --- Planner ---

func (s *Store) CreatePlanner(_ context.Context, p *store.Planner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if cp.VariablePaths == nil {
		cp.VariablePaths = map[string]string{}
	}
	if cp.ImagePaths == nil {
		cp.ImagePaths = map[string]string{}
	}
	cp.CreatedAt, cp.UpdatedAt = now(), now()
	s.planners[p.ID] = &cp
	return nil
}

func (s *Store) GetPlanner(_ context.Context, id string) (*store.Planner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.planners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := clonePlanner(p)
	return cp, nil
}

func clonePlanner(p *store.Planner) *store.Planner {
	cp := *p
	cp.VariablePaths = cloneMap(p.VariablePaths)
	cp.ImagePaths = cloneMap(p.ImagePaths)
	return &cp
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) UpdatePlanner(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.planners[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "status":
			p.Status = v.(store.PlannerStatus)
		case "next_handler":
			p.NextHandler = v.(string)
		case "execution_plan":
			p.ExecutionPlan = v.(string)
		case "user_response":
			p.UserResponse = v.(string)
		case "instruction":
			p.Instruction = v.(string)
		case "variable_paths":
			p.VariablePaths = v.(map[string]string)
		case "image_paths":
			p.ImagePaths = v.(map[string]string)
		}
	}
	p.UpdatedAt = now()
	return nil
}

func (s *Store) ListPlannersByStatus(_ context.Context, statuses ...store.PlannerStatus) ([]*store.Planner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[store.PlannerStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*store.Planner
	for _, p := range s.planners {
		if len(want) == 0 || want[p.Status] {
			out = append(out, clonePlanner(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// --- Worker ---

func (s *Store) CreateWorker(_ context.Context, w *store.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	if cp.InputVariablePaths == nil {
		cp.InputVariablePaths = map[string]string{}
	}
	if cp.InputImagePaths == nil {
		cp.InputImagePaths = map[string]string{}
	}
	if cp.OutputVariablePaths == nil {
		cp.OutputVariablePaths = map[string]string{}
	}
	if cp.OutputImagePaths == nil {
		cp.OutputImagePaths = map[string]string{}
	}
	cp.CreatedAt, cp.UpdatedAt = now(), now()
	s.workers[w.ID] = &cp
	return nil
}

func (s *Store) GetWorker(_ context.Context, id string) (*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneWorker(w), nil
}

func cloneWorker(w *store.Worker) *store.Worker {
	cp := *w
	cp.AcceptanceCriteria = append([]string(nil), w.AcceptanceCriteria...)
	cp.ImageKeys = append([]string(nil), w.ImageKeys...)
	cp.VariableKeys = append([]string(nil), w.VariableKeys...)
	cp.Tools = append([]string(nil), w.Tools...)
	cp.InputVariablePaths = cloneMap(w.InputVariablePaths)
	cp.InputImagePaths = cloneMap(w.InputImagePaths)
	cp.OutputVariablePaths = cloneMap(w.OutputVariablePaths)
	cp.OutputImagePaths = cloneMap(w.OutputImagePaths)
	return &cp
}

func (s *Store) UpdateWorker(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "task_status":
			w.TaskStatus = v.(store.WorkerTaskStatus)
		case "task_result":
			w.TaskResult = v.(string)
		case "current_attempt":
			w.CurrentAttempt = v.(int)
		case "output_variable_paths":
			w.OutputVariablePaths = v.(map[string]string)
		case "output_image_paths":
			w.OutputImagePaths = v.(map[string]string)
		}
	}
	w.UpdatedAt = now()
	return nil
}

func (s *Store) ListWorkersByPlanner(_ context.Context, plannerID string) ([]*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Worker
	for _, w := range s.workers {
		if w.PlannerID == plannerID {
			out = append(out, cloneWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) ListWorkersByStatus(_ context.Context, plannerID string, statuses ...store.WorkerTaskStatus) ([]*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[store.WorkerTaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*store.Worker
	for _, w := range s.workers {
		if w.PlannerID == plannerID && want[w.TaskStatus] {
			out = append(out, cloneWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// --- Messages ---

func agentKey(agentType model.AgentType, agentID string) string {
	return string(agentType) + ":" + agentID
}

func (s *Store) AddMessage(_ context.Context, agentType model.AgentType, agentID string, role model.Role, content model.Content) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey(agentType, agentID)
	msg := model.Message{
		ID:        ids.New(),
		AgentType: agentType,
		AgentID:   agentID,
		Role:      role,
		Content:   content,
		CreatedAt: now(),
	}
	s.messages[key] = append(s.messages[key], msg)
	return msg.ID, nil
}

func (s *Store) GetMessages(_ context.Context, agentType model.AgentType, agentID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[agentKey(agentType, agentID)]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// --- Router<->Planner relation ---

func linkKey(routerID, messageID string) string { return routerID + ":" + messageID }

func (s *Store) LinkMessagePlanner(_ context.Context, routerID, messageID, plannerID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey(routerID, messageID)] = plannerID
	return nil
}

func (s *Store) PlannerForMessage(_ context.Context, routerID, messageID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.links[linkKey(routerID, messageID)]
	if !ok {
		return "", store.ErrNotFound
	}
	return p, nil
}

// --- Task queue ---

func (s *Store) EnqueueTask(_ context.Context, taskID string, entityType store.EntityType, entityID, handlerName string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = &store.TaskRecord{
		TaskID:      taskID,
		EntityType:  entityType,
		EntityID:    entityID,
		HandlerName: handlerName,
		Status:      store.TaskPending,
		Payload:     payload,
		CreatedAt:   now(),
	}
	return nil
}

func (s *Store) GetPendingTasks(_ context.Context) ([]*store.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.TaskRecord
	for _, t := range s.tasks {
		if t.Status == store.TaskPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) ClaimTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != store.TaskPending {
		return store.ErrAlreadyClaimed
	}
	t.Status = store.TaskInProgress
	started := now()
	t.StartedAt = &started
	return nil
}

func (s *Store) CompleteTask(_ context.Context, taskID string, status store.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	t.ErrorMessage = errMsg
	completed := now()
	t.CompletedAt = &completed
	return nil
}

func (s *Store) ClearTaskQueue(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	s.tasks = make(map[string]*store.TaskRecord)
	return n, nil
}
