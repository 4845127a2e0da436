package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

type contextService struct {
	config     ServiceConfig
	repo       interfaces.ContextRepository
	delegRepo  interfaces.DelegationRepository
	branchRepo interfaces.BranchRepository
	taskRepo   interfaces.TaskRepository
	cache      *cache.ContextCache
	publisher  Publisher
}

// NewContextService creates the context hierarchy service
func NewContextService(
	config ServiceConfig,
	repo interfaces.ContextRepository,
	delegRepo interfaces.DelegationRepository,
	branchRepo interfaces.BranchRepository,
	taskRepo interfaces.TaskRepository,
	contextCache *cache.ContextCache,
	publisher Publisher,
) ContextService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &contextService{
		config:     config,
		repo:       repo,
		delegRepo:  delegRepo,
		branchRepo: branchRepo,
		taskRepo:   taskRepo,
		cache:      contextCache,
		publisher:  publisher,
	}
}

// normalizeID substitutes the user id at the global tier and validates
// the level.
func (s *contextService) normalizeID(userID string, level models.ContextLevel, contextID string) (string, error) {
	if !level.IsValid() {
		return "", NewValidationError("level", "unknown context level: "+string(level))
	}
	if level == models.ContextLevelGlobal {
		return userID, nil
	}
	if contextID == "" {
		return "", NewValidationError("context_id", "context_id is required for level "+string(level))
	}
	return contextID, nil
}

// parentIDFor derives the parent context id for an entity context by
// looking up the owning entity. Task -> branch -> project -> user.
func (s *contextService) parentIDFor(ctx context.Context, userID string, level models.ContextLevel, contextID string) (string, error) {
	switch level {
	case models.ContextLevelGlobal:
		return "", nil
	case models.ContextLevelProject:
		return userID, nil
	case models.ContextLevelBranch:
		id, err := uuid.Parse(contextID)
		if err != nil {
			return "", NewValidationError("context_id", "branch id must be a UUID")
		}
		branch, err := s.branchRepo.GetByID(ctx, userID, id)
		if err != nil {
			return "", err
		}
		return branch.ProjectID.String(), nil
	case models.ContextLevelTask:
		id, err := uuid.Parse(contextID)
		if err != nil {
			return "", NewValidationError("context_id", "task id must be a UUID")
		}
		task, err := s.taskRepo.GetByID(ctx, userID, id)
		if err != nil {
			return "", err
		}
		return task.BranchID.String(), nil
	default:
		return "", NewValidationError("level", "unknown context level")
	}
}

// ensureContext returns the context row, creating it with empty data if
// missing. Ancestors are created first, root-down.
func (s *contextService) ensureContext(ctx context.Context, userID string, level models.ContextLevel, contextID string) (*models.Context, error) {
	existing, err := s.repo.Get(ctx, userID, level, contextID)
	if err == nil {
		return existing, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}

	parentID := ""
	if level != models.ContextLevelGlobal {
		parentID, err = s.parentIDFor(ctx, userID, level, contextID)
		if err != nil {
			return nil, err
		}
		if _, err := s.ensureContext(ctx, userID, level.Parent(), parentID); err != nil {
			return nil, err
		}
	}

	created := &models.Context{
		Level:              level,
		ContextID:          contextID,
		OwnerUserID:        userID,
		ParentID:           parentID,
		Data:               models.JSONMap{},
		Overrides:          models.JSONMap{},
		InheritsFromGlobal: true,
	}
	if err := s.repo.Create(ctx, created); err != nil {
		// Lost a race with a concurrent creator; read theirs
		if errors.Is(err, types.ErrAlreadyExists) {
			return s.repo.Get(ctx, userID, level, contextID)
		}
		return nil, err
	}
	return created, nil
}

func (s *contextService) Create(ctx context.Context, userID string, level models.ContextLevel, contextID string, data models.JSONMap) (*models.Context, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.Create")
	defer span.End()

	contextID, err := s.normalizeID(userID, level, contextID)
	if err != nil {
		return nil, err
	}

	parentID := ""
	if level != models.ContextLevelGlobal {
		parentID, err = s.parentIDFor(ctx, userID, level, contextID)
		if err != nil {
			return nil, err
		}
		if _, err := s.ensureContext(ctx, userID, level.Parent(), parentID); err != nil {
			return nil, err
		}
	}

	created := &models.Context{
		Level:              level,
		ContextID:          contextID,
		OwnerUserID:        userID,
		ParentID:           parentID,
		Data:               data,
		Overrides:          models.JSONMap{},
		InheritsFromGlobal: true,
	}
	if err := s.repo.Create(ctx, created); err != nil {
		if errors.Is(err, types.ErrAlreadyExists) {
			// Idempotent create: an identical existing row succeeds
			existing, gerr := s.repo.Get(ctx, userID, level, contextID)
			if gerr == nil && jsonEqual(existing.Data, data) {
				return existing, nil
			}
		}
		return nil, err
	}

	s.invalidate(ctx, userID, level, contextID, true)
	s.publish(userID, "context", contextID, "create", created.Data)
	return created, nil
}

func (s *contextService) Get(ctx context.Context, userID string, level models.ContextLevel, contextID string, includeInherited bool) (*models.Context, *models.ResolvedContext, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.Get")
	defer span.End()

	contextID, err := s.normalizeID(userID, level, contextID)
	if err != nil {
		return nil, nil, err
	}

	key := cache.ContextKey(level, contextID, userID)
	var cached models.Context
	if cerr := s.cache.Get(ctx, key, &cached); cerr == nil {
		if !includeInherited {
			return &cached, nil, nil
		}
	}

	row, err := s.repo.Get(ctx, userID, level, contextID)
	if err != nil {
		return nil, nil, err
	}
	if cerr := s.cache.Put(ctx, key, row, 0, nil); cerr != nil {
		s.config.Logger.Warn("context cache put failed", map[string]interface{}{"key": key, "error": cerr.Error()})
	}

	if !includeInherited {
		return row, nil, nil
	}
	resolved, err := s.Resolve(ctx, userID, level, contextID, false)
	if err != nil {
		return nil, nil, err
	}
	return row, resolved, nil
}

func (s *contextService) Update(ctx context.Context, userID string, level models.ContextLevel, contextID string, data, overrides models.JSONMap, expectedVersion int, propagate bool) (*models.Context, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.Update")
	defer span.End()

	contextID, err := s.normalizeID(userID, level, contextID)
	if err != nil {
		return nil, err
	}

	row, err := s.repo.Get(ctx, userID, level, contextID)
	if err != nil {
		return nil, err
	}

	// Partial updates deep-merge at depth 1; overrides replace wholesale
	if data != nil {
		row.Data = models.DeepMerge(row.Data, data)
	}
	if overrides != nil {
		row.Overrides = overrides
	}

	if err := s.repo.Update(ctx, row, expectedVersion); err != nil {
		return nil, err
	}

	s.invalidate(ctx, userID, level, contextID, propagate)
	if propagate {
		s.rewarmResolved(ctx, userID, level, contextID)
	}
	s.publish(userID, "context", contextID, "update", row.Data)
	return row, nil
}

func (s *contextService) Delete(ctx context.Context, userID string, level models.ContextLevel, contextID string) (int64, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.Delete")
	defer span.End()

	contextID, err := s.normalizeID(userID, level, contextID)
	if err != nil {
		return 0, err
	}

	affected, err := s.deleteSubtree(ctx, userID, level, contextID)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, userID, level, contextID, true)
	if affected > 0 {
		s.publish(userID, "context", contextID, "delete", nil)
	}
	return affected, nil
}

// deleteSubtree removes the context and its descendants in the context
// tree, leaves first.
func (s *contextService) deleteSubtree(ctx context.Context, userID string, level models.ContextLevel, contextID string) (int64, error) {
	var childLevel models.ContextLevel
	switch level {
	case models.ContextLevelGlobal:
		childLevel = models.ContextLevelProject
	case models.ContextLevelProject:
		childLevel = models.ContextLevelBranch
	case models.ContextLevelBranch:
		childLevel = models.ContextLevelTask
	}

	var affected int64
	if childLevel != "" {
		children, err := s.repo.ListChildren(ctx, userID, childLevel, contextID)
		if err != nil {
			return 0, err
		}
		for _, child := range children {
			n, err := s.deleteSubtree(ctx, userID, child.Level, child.ContextID)
			if err != nil {
				return 0, err
			}
			affected += n
		}
	}

	n, err := s.repo.Delete(ctx, userID, level, contextID)
	if err != nil {
		return 0, err
	}
	return affected + n, nil
}

// chainFor walks root-down from global to the requested tier,
// auto-creating any missing ancestor with empty data.
func (s *contextService) chainFor(ctx context.Context, userID string, level models.ContextLevel, contextID string) ([]*models.Context, error) {
	// Collect ids bottom-up, then ensure top-down
	type link struct {
		level models.ContextLevel
		id    string
	}
	links := []link{{level, contextID}}
	currentLevel, currentID := level, contextID
	for currentLevel != models.ContextLevelGlobal {
		parentID, err := s.parentIDFor(ctx, userID, currentLevel, currentID)
		if err != nil {
			return nil, err
		}
		currentLevel = currentLevel.Parent()
		currentID = parentID
		links = append([]link{{currentLevel, currentID}}, links...)
	}

	chain := make([]*models.Context, 0, len(links))
	for _, l := range links {
		row, err := s.ensureContext(ctx, userID, l.level, l.id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, row)
	}
	return chain, nil
}

func (s *contextService) Resolve(ctx context.Context, userID string, level models.ContextLevel, contextID string, forceRefresh bool) (*models.ResolvedContext, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.Resolve")
	defer span.End()

	contextID, err := s.normalizeID(userID, level, contextID)
	if err != nil {
		return nil, err
	}

	key := cache.ResolvedContextKey(level, contextID, userID)
	if !forceRefresh {
		var cached models.ResolvedContext
		if cerr := s.cache.Get(ctx, key, &cached); cerr == nil {
			return &cached, nil
		}
	}

	resolved, chainKeys, err := s.resolveFresh(ctx, userID, level, contextID)
	if err != nil {
		return nil, err
	}
	if cerr := s.cache.Put(ctx, key, resolved, 0, chainKeys); cerr != nil {
		s.config.Logger.Warn("resolved context cache put failed", map[string]interface{}{"key": key, "error": cerr.Error()})
	}
	return resolved, nil
}

// resolveFresh merges the context chain without consulting the cache. It
// returns the chain keys so callers can register cache dependencies.
func (s *contextService) resolveFresh(ctx context.Context, userID string, level models.ContextLevel, contextID string) (*models.ResolvedContext, []string, error) {
	chain, err := s.chainFor(ctx, userID, level, contextID)
	if err != nil {
		return nil, nil, err
	}

	// A project context that opts out of global inheritance truncates the
	// chain below global.
	start := 0
	for _, row := range chain {
		if row.Level == models.ContextLevelProject && !row.InheritsFromGlobal {
			start = 1
		}
	}

	merged := models.JSONMap{}
	chainKeys := make([]string, 0, len(chain))
	for i, row := range chain {
		chainKeys = append(chainKeys, cache.ContextKey(row.Level, row.ContextID, userID))
		if i < start {
			continue
		}
		merged = models.DeepMerge(merged, row.Data)
	}
	// The owning tier's overrides apply last
	owning := chain[len(chain)-1]
	if len(owning.Overrides) > 0 {
		merged = models.DeepMerge(merged, owning.Overrides)
	}

	resolved := &models.ResolvedContext{
		Level:      level,
		ContextID:  contextID,
		Data:       merged,
		Chain:      chainKeys,
		Version:    owning.Version,
		ResolvedAt: time.Now().UTC(),
	}
	return resolved, chainKeys, nil
}

func (s *contextService) Delegate(ctx context.Context, userID string, sourceLevel models.ContextLevel, sourceID string, targetLevel models.ContextLevel, payload models.JSONMap, reason string) (*models.DelegationRequest, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.Delegate")
	defer span.End()

	sourceID, err := s.normalizeID(userID, sourceLevel, sourceID)
	if err != nil {
		return nil, err
	}
	if !targetLevel.IsValid() {
		return nil, NewValidationError("target_level", "unknown context level: "+string(targetLevel))
	}
	if targetLevel.Rank() >= sourceLevel.Rank() {
		return nil, &DelegationDirectionError{Source: sourceLevel, Target: targetLevel}
	}
	if len(payload) == 0 {
		return nil, NewValidationError("payload", "delegation payload is required")
	}

	// The source context must exist; delegation never mutates it
	if _, err := s.repo.Get(ctx, userID, sourceLevel, sourceID); err != nil {
		return nil, err
	}

	// Walk the ancestry to find the target tier's id
	targetID := sourceID
	currentLevel := sourceLevel
	for currentLevel != targetLevel {
		parentID, err := s.parentIDFor(ctx, userID, currentLevel, targetID)
		if err != nil {
			return nil, err
		}
		targetID = parentID
		currentLevel = currentLevel.Parent()
	}

	request := &models.DelegationRequest{
		OwnerUserID: userID,
		SourceLevel: sourceLevel,
		SourceID:    sourceID,
		TargetLevel: targetLevel,
		TargetID:    targetID,
		Payload:     payload,
		Reason:      reason,
	}
	if err := s.delegRepo.Create(ctx, request); err != nil {
		return nil, err
	}
	s.publish(userID, "context", sourceID, "delegate", payload)
	return request, nil
}

func (s *contextService) ApplyDelegation(ctx context.Context, userID string, id uuid.UUID, approve bool) (*models.DelegationRequest, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.ApplyDelegation")
	defer span.End()

	request, err := s.delegRepo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if request.Status != models.DelegationStatusPending {
		return nil, NewValidationError("id", "delegation request already decided")
	}

	status := models.DelegationStatusRejected
	if approve {
		status = models.DelegationStatusApproved
	}
	if err := s.delegRepo.UpdateStatus(ctx, userID, id, status); err != nil {
		return nil, err
	}
	request.Status = status
	now := time.Now().UTC()
	request.DecidedAt = &now

	if approve {
		target, err := s.ensureContext(ctx, userID, request.TargetLevel, request.TargetID)
		if err != nil {
			return nil, err
		}
		target.Data = models.DeepMerge(target.Data, request.Payload)
		if err := s.repo.Update(ctx, target, 0); err != nil {
			return nil, err
		}
		s.invalidate(ctx, userID, request.TargetLevel, request.TargetID, true)
		s.publish(userID, "context", request.TargetID, "update", target.Data)
	}
	return request, nil
}

func (s *contextService) ListDelegations(ctx context.Context, userID string, status models.DelegationStatus, limit, offset int) ([]*models.DelegationRequest, int64, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.ListDelegations")
	defer span.End()
	return s.delegRepo.List(ctx, userID, status, limit, offset)
}

func (s *contextService) AddInsight(ctx context.Context, userID string, level models.ContextLevel, contextID string, insight models.Insight) (*models.Context, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.AddInsight")
	defer span.End()

	if insight.Content == "" {
		return nil, NewValidationError("content", "insight content is required")
	}
	if insight.Category != "" && !insight.Category.IsValid() {
		return nil, NewValidationError("category", "unknown insight category: "+string(insight.Category))
	}
	if insight.Importance != "" && !insight.Importance.IsValid() {
		return nil, NewValidationError("importance", "unknown insight importance: "+string(insight.Importance))
	}
	insight.Timestamp = time.Now().UTC()

	return s.appendToList(ctx, userID, level, contextID, "insights", map[string]interface{}{
		"content":    insight.Content,
		"category":   string(insight.Category),
		"importance": string(insight.Importance),
		"agent":      insight.Agent,
		"timestamp":  insight.Timestamp.Format(time.RFC3339Nano),
	})
}

func (s *contextService) AddProgress(ctx context.Context, userID string, level models.ContextLevel, contextID, content, agent string) (*models.Context, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.AddProgress")
	defer span.End()

	if content == "" {
		return nil, NewValidationError("content", "progress content is required")
	}
	return s.appendToList(ctx, userID, level, contextID, "progress_log", map[string]interface{}{
		"content":   content,
		"agent":     agent,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *contextService) appendToList(ctx context.Context, userID string, level models.ContextLevel, contextID, field string, entry map[string]interface{}) (*models.Context, error) {
	contextID, err := s.normalizeID(userID, level, contextID)
	if err != nil {
		return nil, err
	}
	row, err := s.ensureContext(ctx, userID, level, contextID)
	if err != nil {
		return nil, err
	}

	var list []interface{}
	if existing, ok := row.Data[field].([]interface{}); ok {
		list = existing
	}
	row.Data[field] = append(list, entry)

	if err := s.repo.Update(ctx, row, 0); err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID, level, contextID, true)
	s.publish(userID, "context", contextID, "update", row.Data)
	return row, nil
}

func (s *contextService) List(ctx context.Context, userID string, level models.ContextLevel, filter models.ContextFilter) ([]*models.Context, int64, error) {
	ctx, span := s.config.Tracer(ctx, "ContextService.List")
	defer span.End()

	if !level.IsValid() {
		return nil, 0, NewValidationError("level", "unknown context level: "+string(level))
	}
	return s.repo.List(ctx, userID, level, filter)
}

// invalidate drops the raw and resolved cache entries for a context.
// With propagate, descendants' resolved entries fall with it through the
// dependency links. Cache failures are logged, never surfaced.
func (s *contextService) invalidate(ctx context.Context, userID string, level models.ContextLevel, contextID string, propagate bool) {
	rawKey := cache.ContextKey(level, contextID, userID)
	resolvedKey := cache.ResolvedContextKey(level, contextID, userID)
	var err error
	if propagate {
		err = s.cache.Invalidate(ctx, rawKey)
	} else {
		err = s.cache.Drop(ctx, rawKey)
	}
	if derr := s.cache.Drop(ctx, resolvedKey); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		s.config.Logger.Warn("context cache invalidation failed", map[string]interface{}{
			"key":   rawKey,
			"error": err.Error(),
		})
	}
}

// rewarmResolved re-primes the resolved view after a propagating write so
// the next read does not pay the merge. Failures are logged, never
// surfaced.
func (s *contextService) rewarmResolved(ctx context.Context, userID string, level models.ContextLevel, contextID string) {
	key := cache.ResolvedContextKey(level, contextID, userID)
	err := s.cache.Warm(ctx, []string{key}, func(ctx context.Context, _ string) (interface{}, []string, error) {
		return s.resolveFresh(ctx, userID, level, contextID)
	})
	if err != nil {
		s.config.Logger.Debug("resolved context rewarm failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (s *contextService) publish(userID, entity, entityID, action string, payload interface{}) {
	s.publisher.Publish(models.ChangeEvent{
		EntityType:    entity,
		EntityID:      entityID,
		ActorUserID:   userID,
		OwnerUserID:   userID,
		Action:        action,
		PayloadDigest: models.DigestPayload(payload),
		Timestamp:     time.Now().UTC(),
	})
}
