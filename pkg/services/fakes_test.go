package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

// memStore backs the fake repositories with plain maps. One store is
// shared by all fakes in a test so cross-entity behavior (rollups,
// cascades) can be exercised without a database.
type memStore struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]*models.Project
	branches    map[uuid.UUID]*models.Branch
	tasks       map[uuid.UUID]*models.Task
	subtasks    map[uuid.UUID]*models.Subtask
	deps        []models.TaskDependency
	contexts    map[string]*models.Context
	delegations map[uuid.UUID]*models.DelegationRequest
	agents      map[uuid.UUID]*models.Agent

	// contextWriteErr, when set, fails every context create and update
	contextWriteErr error
}

func newMemStore() *memStore {
	return &memStore{
		projects:    make(map[uuid.UUID]*models.Project),
		branches:    make(map[uuid.UUID]*models.Branch),
		tasks:       make(map[uuid.UUID]*models.Task),
		subtasks:    make(map[uuid.UUID]*models.Subtask),
		contexts:    make(map[string]*models.Context),
		delegations: make(map[uuid.UUID]*models.DelegationRequest),
		agents:      make(map[uuid.UUID]*models.Agent),
	}
}

func contextStoreKey(level models.ContextLevel, id string) string {
	return string(level) + ":" + id
}

// --- projects ---

type fakeProjectRepo struct{ s *memStore }

func (r *fakeProjectRepo) Create(_ context.Context, p *models.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.projects[p.ID]; ok {
		return types.ErrAlreadyExists
	}
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	r.s.projects[p.ID] = p
	return nil
}

func (r *fakeProjectRepo) GetByID(_ context.Context, userID string, id uuid.UUID) (*models.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok || p.OwnerUserID != userID {
		return nil, types.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (r *fakeProjectRepo) Update(_ context.Context, p *models.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.projects[p.ID]; !ok {
		return types.ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	r.s.projects[p.ID] = p
	return nil
}

func (r *fakeProjectRepo) Delete(_ context.Context, userID string, id uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok || p.OwnerUserID != userID {
		return 0, nil
	}
	delete(r.s.projects, id)
	return 1, nil
}

func (r *fakeProjectRepo) List(_ context.Context, userID string, limit, offset int) ([]*models.Project, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Project
	for _, p := range r.s.projects {
		if p.OwnerUserID == userID {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, int64(len(out)), nil
}

// --- branches ---

type fakeBranchRepo struct{ s *memStore }

func (r *fakeBranchRepo) Create(_ context.Context, b *models.Branch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.branches[b.ID]; ok {
		return types.ErrAlreadyExists
	}
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	r.s.branches[b.ID] = b
	return nil
}

func (r *fakeBranchRepo) GetByID(_ context.Context, userID string, id uuid.UUID) (*models.Branch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.branches[id]
	if !ok || b.OwnerUserID != userID {
		return nil, types.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (r *fakeBranchRepo) Update(_ context.Context, b *models.Branch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.branches[b.ID]; !ok {
		return types.ErrNotFound
	}
	b.UpdatedAt = time.Now().UTC()
	r.s.branches[b.ID] = b
	return nil
}

func (r *fakeBranchRepo) Delete(_ context.Context, userID string, id uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.branches[id]
	if !ok || b.OwnerUserID != userID {
		return 0, nil
	}
	delete(r.s.branches, id)
	return 1, nil
}

func (r *fakeBranchRepo) List(_ context.Context, userID string, projectID *uuid.UUID, limit, offset int) ([]*models.Branch, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Branch
	for _, b := range r.s.branches {
		if b.OwnerUserID != userID {
			continue
		}
		if projectID != nil && b.ProjectID != *projectID {
			continue
		}
		copied := *b
		out = append(out, &copied)
	}
	return out, int64(len(out)), nil
}

// --- tasks ---

type fakeTaskRepo struct{ s *memStore }

func (r *fakeTaskRepo) Create(_ context.Context, t *models.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tasks[t.ID]; ok {
		return types.ErrAlreadyExists
	}
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	copied := *t
	r.s.tasks[t.ID] = &copied
	return nil
}

func (r *fakeTaskRepo) GetByID(_ context.Context, userID string, id uuid.UUID) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok || t.OwnerUserID != userID {
		return nil, types.ErrNotFound
	}
	copied := *t
	for _, edge := range r.s.deps {
		if edge.TaskID == id {
			copied.DependsOn = append(copied.DependsOn, edge.DependsOnTaskID)
		}
	}
	return &copied, nil
}

func (r *fakeTaskRepo) Update(_ context.Context, t *models.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tasks[t.ID]; !ok {
		return types.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	copied := *t
	r.s.tasks[t.ID] = &copied
	return nil
}

func (r *fakeTaskRepo) Delete(_ context.Context, userID string, id uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok || t.OwnerUserID != userID {
		return 0, nil
	}
	delete(r.s.tasks, id)
	return 1, nil
}

func (r *fakeTaskRepo) BulkDelete(ctx context.Context, userID string, ids []uuid.UUID) (int64, error) {
	var total int64
	for _, id := range ids {
		n, err := r.Delete(ctx, userID, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *fakeTaskRepo) List(_ context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Task
	for _, t := range r.s.tasks {
		if t.OwnerUserID != userID {
			continue
		}
		if filter.BranchID != nil && t.BranchID != *filter.BranchID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(filter.Query)) {
			continue
		}
		copied := *t
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, int64(len(out)), nil
}

func (r *fakeTaskRepo) ListMinimal(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.TaskSummary, int64, error) {
	tasks, total, err := r.List(ctx, userID, filter)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*models.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, &models.TaskSummary{ID: t.ID, Title: t.Title, Status: t.Status, Priority: t.Priority})
	}
	return out, total, nil
}

func (r *fakeTaskRepo) Search(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error) {
	return r.List(ctx, userID, filter)
}

func (r *fakeTaskRepo) AddDependency(_ context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, edge := range r.s.deps {
		if edge.TaskID == taskID && edge.DependsOnTaskID == dependsOnTaskID {
			return types.ErrAlreadyExists
		}
	}
	r.s.deps = append(r.s.deps, models.TaskDependency{TaskID: taskID, DependsOnTaskID: dependsOnTaskID})
	return nil
}

func (r *fakeTaskRepo) RemoveDependency(_ context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, edge := range r.s.deps {
		if edge.TaskID == taskID && edge.DependsOnTaskID == dependsOnTaskID {
			r.s.deps = append(r.s.deps[:i], r.s.deps[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (r *fakeTaskRepo) GetDependencyEdges(_ context.Context, userID string) ([]models.TaskDependency, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.TaskDependency, len(r.s.deps))
	copy(out, r.s.deps)
	return out, nil
}

func (r *fakeTaskRepo) GetDependencies(ctx context.Context, userID string, taskID uuid.UUID) ([]*models.Task, error) {
	r.s.mu.Lock()
	ids := make([]uuid.UUID, 0)
	for _, edge := range r.s.deps {
		if edge.TaskID == taskID {
			ids = append(ids, edge.DependsOnTaskID)
		}
	}
	r.s.mu.Unlock()

	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetByID(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeTaskRepo) SetAssignees(_ context.Context, userID string, taskID uuid.UUID, assigneeIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[taskID]
	if !ok || t.OwnerUserID != userID {
		return types.ErrNotFound
	}
	t.AssigneeIDs = assigneeIDs
	return nil
}

func (r *fakeTaskRepo) SetLabels(_ context.Context, userID string, taskID uuid.UUID, labels []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[taskID]
	if !ok || t.OwnerUserID != userID {
		return types.ErrNotFound
	}
	t.Labels = labels
	return nil
}

// --- subtasks ---

type fakeSubtaskRepo struct{ s *memStore }

func (r *fakeSubtaskRepo) Create(_ context.Context, st *models.Subtask) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subtasks[st.ID]; ok {
		return types.ErrAlreadyExists
	}
	st.CreatedAt = time.Now().UTC()
	st.UpdatedAt = st.CreatedAt
	copied := *st
	r.s.subtasks[st.ID] = &copied
	return nil
}

func (r *fakeSubtaskRepo) GetByID(_ context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.subtasks[id]
	if !ok || st.OwnerUserID != userID {
		return nil, types.ErrNotFound
	}
	copied := *st
	return &copied, nil
}

func (r *fakeSubtaskRepo) Update(_ context.Context, st *models.Subtask) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subtasks[st.ID]; !ok {
		return types.ErrNotFound
	}
	st.UpdatedAt = time.Now().UTC()
	copied := *st
	r.s.subtasks[st.ID] = &copied
	return nil
}

func (r *fakeSubtaskRepo) Delete(_ context.Context, userID string, id uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.subtasks[id]
	if !ok || st.OwnerUserID != userID {
		return 0, nil
	}
	delete(r.s.subtasks, id)
	return 1, nil
}

func (r *fakeSubtaskRepo) List(_ context.Context, userID string, filter models.SubtaskFilter) ([]*models.Subtask, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Subtask
	for _, st := range r.s.subtasks {
		if st.OwnerUserID != userID {
			continue
		}
		if filter.TaskID != nil && st.TaskID != *filter.TaskID {
			continue
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		copied := *st
		out = append(out, &copied)
	}
	return out, int64(len(out)), nil
}

func (r *fakeSubtaskRepo) CountByStatus(_ context.Context, userID string, taskID uuid.UUID) (int64, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var total, done int64
	for _, st := range r.s.subtasks {
		if st.OwnerUserID != userID || st.TaskID != taskID {
			continue
		}
		total++
		if st.Status == models.TaskStatusDone {
			done++
		}
	}
	return total, done, nil
}

// --- contexts ---

type fakeContextRepo struct{ s *memStore }

func (r *fakeContextRepo) Create(_ context.Context, c *models.Context) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.contextWriteErr != nil {
		return r.s.contextWriteErr
	}
	key := contextStoreKey(c.Level, c.ContextID)
	if _, ok := r.s.contexts[key]; ok {
		return types.ErrAlreadyExists
	}
	c.Version = 1
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	copied := *c
	copied.Data = c.Data.Clone()
	copied.Overrides = c.Overrides.Clone()
	r.s.contexts[key] = &copied
	return nil
}

func (r *fakeContextRepo) Get(_ context.Context, userID string, level models.ContextLevel, contextID string) (*models.Context, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contexts[contextStoreKey(level, contextID)]
	if !ok || c.OwnerUserID != userID {
		return nil, types.ErrNotFound
	}
	copied := *c
	copied.Data = c.Data.Clone()
	copied.Overrides = c.Overrides.Clone()
	return &copied, nil
}

func (r *fakeContextRepo) Update(_ context.Context, c *models.Context, expectedVersion int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.contextWriteErr != nil {
		return r.s.contextWriteErr
	}
	key := contextStoreKey(c.Level, c.ContextID)
	stored, ok := r.s.contexts[key]
	if !ok {
		return types.ErrNotFound
	}
	if expectedVersion > 0 && stored.Version != expectedVersion {
		return types.ErrOptimisticLock.WithCurrentVersion(stored.Version)
	}
	c.Version = stored.Version + 1
	c.UpdatedAt = time.Now().UTC()
	copied := *c
	copied.Data = c.Data.Clone()
	copied.Overrides = c.Overrides.Clone()
	r.s.contexts[key] = &copied
	return nil
}

func (r *fakeContextRepo) Delete(_ context.Context, userID string, level models.ContextLevel, contextID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := contextStoreKey(level, contextID)
	c, ok := r.s.contexts[key]
	if !ok || c.OwnerUserID != userID {
		return 0, nil
	}
	delete(r.s.contexts, key)
	return 1, nil
}

func (r *fakeContextRepo) List(_ context.Context, userID string, level models.ContextLevel, filter models.ContextFilter) ([]*models.Context, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Context
	for _, c := range r.s.contexts {
		if c.OwnerUserID != userID || c.Level != level {
			continue
		}
		if filter.ParentID != "" && c.ParentID != filter.ParentID {
			continue
		}
		copied := *c
		out = append(out, &copied)
	}
	return out, int64(len(out)), nil
}

func (r *fakeContextRepo) ListChildren(_ context.Context, userID string, level models.ContextLevel, parentID string) ([]*models.Context, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Context
	for _, c := range r.s.contexts {
		if c.OwnerUserID == userID && c.Level == level && c.ParentID == parentID {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

// --- delegations ---

type fakeDelegationRepo struct{ s *memStore }

func (r *fakeDelegationRepo) Create(_ context.Context, d *models.DelegationRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Status = models.DelegationStatusPending
	d.CreatedAt = time.Now().UTC()
	copied := *d
	r.s.delegations[d.ID] = &copied
	return nil
}

func (r *fakeDelegationRepo) GetByID(_ context.Context, userID string, id uuid.UUID) (*models.DelegationRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.delegations[id]
	if !ok || d.OwnerUserID != userID {
		return nil, types.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (r *fakeDelegationRepo) UpdateStatus(_ context.Context, userID string, id uuid.UUID, status models.DelegationStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.delegations[id]
	if !ok || d.OwnerUserID != userID {
		return types.ErrNotFound
	}
	if d.Status != models.DelegationStatusPending {
		return types.ErrOptimisticLock
	}
	d.Status = status
	now := time.Now().UTC()
	d.DecidedAt = &now
	return nil
}

func (r *fakeDelegationRepo) List(_ context.Context, userID string, status models.DelegationStatus, limit, offset int) ([]*models.DelegationRequest, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.DelegationRequest
	for _, d := range r.s.delegations {
		if d.OwnerUserID != userID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		copied := *d
		out = append(out, &copied)
	}
	return out, int64(len(out)), nil
}

// --- agents ---

type fakeAgentRepo struct{ s *memStore }

func (r *fakeAgentRepo) Create(_ context.Context, a *models.Agent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.agents {
		if existing.OwnerUserID == a.OwnerUserID && existing.Role == a.Role {
			return types.ErrAlreadyExists
		}
	}
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	copied := *a
	r.s.agents[a.ID] = &copied
	return nil
}

func (r *fakeAgentRepo) GetByID(_ context.Context, userID string, id uuid.UUID) (*models.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.agents[id]
	if !ok || a.OwnerUserID != userID {
		return nil, types.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *fakeAgentRepo) GetByRole(_ context.Context, userID string, role string) (*models.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.agents {
		if a.OwnerUserID == userID && a.Role == role {
			copied := *a
			return &copied, nil
		}
	}
	return nil, types.ErrNotFound
}

func (r *fakeAgentRepo) Delete(_ context.Context, userID string, id uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.agents[id]
	if !ok || a.OwnerUserID != userID {
		return 0, nil
	}
	delete(r.s.agents, id)
	return 1, nil
}

func (r *fakeAgentRepo) List(_ context.Context, userID string, limit, offset int) ([]*models.Agent, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Agent
	for _, a := range r.s.agents {
		if a.OwnerUserID == userID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, int64(len(out)), nil
}

// recordingPublisher captures events for assertions
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (p *recordingPublisher) Publish(event models.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EntityType+"."+e.Action)
	}
	return out
}

// stubCatalog resolves agent role labels from a fixed map
type stubCatalog struct{ roles map[string]uuid.UUID }

func (c *stubCatalog) ResolveRole(_ context.Context, _, role string) (*models.AgentDescriptor, error) {
	id, ok := c.roles[role]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &models.AgentDescriptor{ID: id, Role: role}, nil
}

// testEnv wires every service over the shared fake store
type testEnv struct {
	store    *memStore
	pub      *recordingPublisher
	catalog  *stubCatalog
	contexts ContextService
	tasks    TaskService
	subtasks SubtaskService
	projects ProjectService
	branches BranchService
	agents   AgentService
}

func newTestEnv() *testEnv {
	store := newMemStore()
	pub := &recordingPublisher{}
	catalog := &stubCatalog{roles: make(map[string]uuid.UUID)}
	cfg := NewServiceConfig(nil, nil, nil)

	contextCache := cache.NewContextCache(
		cache.NewMemoryCache(256, time.Minute),
		time.Minute,
		observability.NewNoopLogger(),
		observability.NewNoopMetricsClient(),
	)

	projectRepo := &fakeProjectRepo{s: store}
	branchRepo := &fakeBranchRepo{s: store}
	taskRepo := &fakeTaskRepo{s: store}
	subtaskRepo := &fakeSubtaskRepo{s: store}
	contextRepo := &fakeContextRepo{s: store}
	delegRepo := &fakeDelegationRepo{s: store}
	agentRepo := &fakeAgentRepo{s: store}

	contexts := NewContextService(cfg, contextRepo, delegRepo, branchRepo, taskRepo, contextCache, pub)
	return &testEnv{
		store:    store,
		pub:      pub,
		catalog:  catalog,
		contexts: contexts,
		tasks:    NewTaskService(cfg, taskRepo, subtaskRepo, branchRepo, contexts, catalog, pub),
		subtasks: NewSubtaskService(cfg, subtaskRepo, taskRepo, contexts, pub),
		projects: NewProjectService(cfg, projectRepo, contexts, pub),
		branches: NewBranchService(cfg, branchRepo, projectRepo, contexts, pub),
		agents:   NewAgentService(cfg, agentRepo, branchRepo, pub),
	}
}

func (e *testEnv) seedProject(userID string) *models.Project {
	p := &models.Project{ID: uuid.New(), OwnerUserID: userID, Name: "proj-" + uuid.NewString()[:8]}
	e.store.mu.Lock()
	e.store.projects[p.ID] = p
	e.store.mu.Unlock()
	return p
}

func (e *testEnv) seedBranch(userID string, projectID uuid.UUID) *models.Branch {
	b := &models.Branch{ID: uuid.New(), ProjectID: projectID, OwnerUserID: userID, Name: "branch-" + uuid.NewString()[:8]}
	e.store.mu.Lock()
	e.store.branches[b.ID] = b
	e.store.mu.Unlock()
	return b
}

func (e *testEnv) seedTask(userID string, branchID uuid.UUID, status models.TaskStatus, priority models.TaskPriority, createdAt time.Time) *models.Task {
	t := &models.Task{
		ID:              uuid.New(),
		BranchID:        branchID,
		OwnerUserID:     userID,
		Title:           "task-" + uuid.NewString()[:8],
		Status:          status,
		Priority:        priority,
		ProgressHistory: models.JSONMap{},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	e.store.mu.Lock()
	e.store.tasks[t.ID] = t
	e.store.mu.Unlock()
	return t
}

func (e *testEnv) seedSubtask(userID string, taskID uuid.UUID, status models.TaskStatus, progress int) *models.Subtask {
	st := &models.Subtask{
		ID:                 uuid.New(),
		TaskID:             taskID,
		OwnerUserID:        userID,
		Title:              "subtask-" + uuid.NewString()[:8],
		Status:             status,
		Priority:           models.TaskPriorityMedium,
		ProgressPercentage: progress,
	}
	e.store.mu.Lock()
	e.store.subtasks[st.ID] = st
	e.store.mu.Unlock()
	return st
}

func (e *testEnv) contextData(level models.ContextLevel, contextID string) models.JSONMap {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	c, ok := e.store.contexts[contextStoreKey(level, contextID)]
	if !ok {
		return nil
	}
	return c.Data.Clone()
}
