package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"TallySync/internal/backend/models"
	"TallySync/internal/backend/storage"
	sharedmodels "TallySync/internal/shared/models"
	"TallySync/pkg/revision"
	"TallySync/pkg/uuidutil"
)

// memTaskStore потокобезопасный in-memory SyncTaskStore с теми же
// гарантиями single-claim, что и SQL-реализация
type memTaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*models.SyncTask
	policy models.RetryPolicy
}

func newMemTaskStore(policy models.RetryPolicy) *memTaskStore {
	return &memTaskStore{
		tasks:  make(map[string]*models.SyncTask),
		policy: policy,
	}
}

func (s *memTaskStore) Enqueue(ctx context.Context, task *models.SyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tasks {
		if existing.TenantID == task.TenantID &&
			existing.EntityType == task.EntityType &&
			existing.EntityID == task.EntityID &&
			existing.Direction == task.Direction &&
			(existing.Status == models.SyncStatusPending || existing.Status == models.SyncStatusInProgress) {
			return storage.ErrDuplicateTask
		}
	}

	if task.ID == "" {
		task.ID = uuidutil.New()
	}
	task.Status = models.SyncStatusPending
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}

	// Наследование ревизии последней успешной синхронизации, как в SQL
	if task.Revision == "" {
		var last *models.SyncTask
		for _, existing := range s.tasks {
			if existing.TenantID != task.TenantID ||
				existing.EntityType != task.EntityType ||
				existing.EntityID != task.EntityID ||
				existing.Direction != task.Direction ||
				existing.Status != models.SyncStatusCompleted {
				continue
			}
			if last == nil || (existing.CompletedAt != nil && last.CompletedAt != nil &&
				existing.CompletedAt.After(*last.CompletedAt)) {
				last = existing
			}
		}
		if last != nil {
			task.Revision = last.Revision
			if task.ExternalID == "" {
				task.ExternalID = last.ExternalID
			}
		}
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = s.policy.MaxAttempts
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	clone := *task
	s.tasks[task.ID] = &clone
	return nil
}

func (s *memTaskStore) ClaimNextBatch(ctx context.Context, tenantID string, limit int, connectionID string) ([]*models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*models.SyncTask
	for _, task := range s.tasks {
		if task.TenantID != tenantID || task.Status != models.SyncStatusPending {
			continue
		}
		if task.NextRetryAt != nil && task.NextRetryAt.After(now) {
			continue
		}
		due = append(due, task)
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority.Weight() != due[j].Priority.Weight() {
			return due[i].Priority.Weight() > due[j].Priority.Weight()
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}

	var claimed []*models.SyncTask
	for _, task := range due {
		task.Status = models.SyncStatusInProgress
		task.ConnectionID = connectionID
		attemptAt := now
		task.LastAttemptAt = &attemptAt
		clone := *task
		claimed = append(claimed, &clone)
	}

	return claimed, nil
}

func (s *memTaskStore) MarkCompleted(ctx context.Context, taskID, externalID, revisionHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != models.SyncStatusInProgress {
		return storage.ErrTaskNotFound
	}

	task.Status = models.SyncStatusCompleted
	task.ExternalID = externalID
	task.Revision = revisionHash
	task.Attempts = 0
	task.LastError = nil
	task.NextRetryAt = nil
	now := time.Now()
	task.CompletedAt = &now
	return nil
}

func (s *memTaskStore) MarkFailed(ctx context.Context, taskID string, syncErr models.SyncError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return storage.ErrTaskNotFound
	}

	task.Attempts++
	task.LastError = &syncErr
	task.ConnectionID = ""
	now := time.Now()
	task.LastAttemptAt = &now

	policy := s.policy
	if task.MaxAttempts > 0 {
		policy.MaxAttempts = task.MaxAttempts
	}

	if policy.Exhausted(task.Attempts) {
		task.Status = models.SyncStatusFailed
		task.NextRetryAt = nil
	} else {
		task.Status = models.SyncStatusPending
		next := now.Add(policy.NextDelay(task.Attempts))
		task.NextRetryAt = &next
	}

	return nil
}

func (s *memTaskStore) MarkConflict(ctx context.Context, taskID string, conflict *models.ConflictData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != models.SyncStatusInProgress {
		return storage.ErrTaskNotFound
	}

	task.Status = models.SyncStatusConflict
	task.ConflictData = conflict
	task.ConnectionID = ""
	task.NextRetryAt = nil
	return nil
}

func (s *memTaskStore) ResolveConflict(ctx context.Context, taskID string, strategy models.ResolutionStrategy, resolvedBy string, payload json.RawMessage) (*models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, storage.ErrTaskNotFound
	}
	if task.Status != models.SyncStatusConflict || task.ConflictData == nil {
		return nil, storage.ErrNotInConflict
	}

	var winning json.RawMessage
	switch strategy {
	case models.ResolutionSourceWins:
		winning = task.ConflictData.InternalSnapshot
	case models.ResolutionTargetWins:
		winning = task.ConflictData.ExternalSnapshot
	default:
		if len(payload) == 0 {
			return nil, storage.ErrPayloadMissing
		}
		winning = payload
	}

	now := time.Now()
	task.ConflictData.Strategy = strategy
	task.ConflictData.ResolvedBy = resolvedBy
	task.ConflictData.ResolvedAt = &now

	resolved := &models.SyncTask{
		ID:          uuidutil.New(),
		TenantID:    task.TenantID,
		EntityType:  task.EntityType,
		EntityID:    task.EntityID,
		ExternalID:  task.ExternalID,
		Direction:   task.Direction,
		Status:      models.SyncStatusPending,
		Priority:    models.PriorityHigh,
		Payload:     winning,
		Revision:    revision.MustHash(winning),
		MaxAttempts: task.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	clone := *resolved
	s.tasks[resolved.ID] = &clone
	return resolved, nil
}

func (s *memTaskStore) RevertInProgress(ctx context.Context, connectionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reverted := 0
	for _, task := range s.tasks {
		if task.ConnectionID == connectionID && task.Status == models.SyncStatusInProgress {
			task.Status = models.SyncStatusPending
			task.ConnectionID = ""
			reverted++
		}
	}
	return reverted, nil
}

func (s *memTaskStore) GetByID(ctx context.Context, taskID string) (*models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	clone := *task
	return &clone, nil
}

func (s *memTaskStore) ListByTenant(ctx context.Context, tenantID string, status models.SyncStatus, limit, offset int) ([]*models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.SyncTask
	for _, task := range s.tasks {
		if task.TenantID != tenantID {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		clone := *task
		out = append(out, &clone)
	}
	return out, nil
}

func (s *memTaskStore) ListConflicts(ctx context.Context, tenantID string) ([]*models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.SyncTask
	for _, task := range s.tasks {
		if task.TenantID == tenantID && task.Status == models.SyncStatusConflict &&
			(task.ConflictData == nil || task.ConflictData.ResolvedAt == nil) {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memTaskStore) CountByStatus(ctx context.Context, status models.SyncStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, task := range s.tasks {
		if task.Status == status {
			count++
		}
	}
	return count, nil
}

// memSessionStore аудит сессий в памяти
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.AgentSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*models.AgentSession)}
}

func (s *memSessionStore) Upsert(ctx context.Context, session *models.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *session
	s.sessions[session.TenantID+"/"+session.AgentID] = &clone
	return nil
}

func (s *memSessionStore) UpdateHeartbeat(ctx context.Context, tenantID, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[tenantID+"/"+agentID]; ok {
		session.LastHeartbeatAt = at
	}
	return nil
}

func (s *memSessionStore) UpdateStatus(ctx context.Context, tenantID, agentID string, status models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[tenantID+"/"+agentID]; ok {
		session.Status = status
	}
	return nil
}

func (s *memSessionStore) ListByTenant(ctx context.Context, tenantID string) ([]*models.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AgentSession
	for _, session := range s.sessions {
		if session.TenantID == tenantID {
			clone := *session
			out = append(out, &clone)
		}
	}
	return out, nil
}

// memTriggerQueue очередь триггеров в памяти
type memTriggerQueue struct {
	mu        sync.Mutex
	triggers  []*models.SyncTrigger
	published []interface{}
}

func newMemTriggerQueue() *memTriggerQueue {
	return &memTriggerQueue{}
}

func (q *memTriggerQueue) PushTrigger(ctx context.Context, trigger *models.SyncTrigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.triggers = append(q.triggers, trigger)
	return nil
}

func (q *memTriggerQueue) PopTrigger(ctx context.Context, timeout time.Duration) (*models.SyncTrigger, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.triggers) == 0 {
		return nil, nil
	}
	trigger := q.triggers[0]
	q.triggers = q.triggers[1:]
	return trigger, nil
}

func (q *memTriggerQueue) Length(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.triggers)), nil
}

func (q *memTriggerQueue) Publish(ctx context.Context, channel string, message interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, message)
	return nil
}

func (q *memTriggerQueue) Close() error { return nil }

// scriptedDispatcher выдает заранее заданные исходы по порядку вызовов
type scriptedDispatcher struct {
	mu    sync.Mutex
	steps []dispatchStep
	calls int
}

type dispatchStep struct {
	outcome *sharedmodels.SyncOutcome
	err     error
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, session *models.AgentSession, cmd *sharedmodels.SyncCommand, timeout time.Duration) (*sharedmodels.SyncOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	step := d.steps[0]
	if len(d.steps) > 1 {
		d.steps = d.steps[1:]
	}
	d.calls++

	if step.err != nil {
		return nil, step.err
	}

	outcome := *step.outcome
	outcome.TaskID = cmd.TaskID
	return &outcome, nil
}
