package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TallySync/internal/backend/models"
	"TallySync/pkg/revision"
	"TallySync/pkg/uuidutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrTaskNotFound   = errors.New("sync task not found")
	ErrDuplicateTask  = errors.New("active sync task already exists for this entity and direction")
	ErrNotInConflict  = errors.New("sync task is not in conflict state")
	ErrPayloadMissing = errors.New("resolution strategy requires a payload")
)

const taskColumns = `
	id, tenant_id, entity_type, entity_id, external_id, direction,
	status, priority, payload, revision,
	attempts, max_attempts, last_attempt_at, next_retry_at, last_error,
	conflict_data, connection_id, created_at, updated_at, completed_at
`

type syncTaskStore struct {
	pool   *pgxpool.Pool
	policy models.RetryPolicy
}

func NewSyncTaskStore(pool *pgxpool.Pool, policy models.RetryPolicy) SyncTaskStore {
	return &syncTaskStore{pool: pool, policy: policy}
}

func (s *syncTaskStore) Enqueue(ctx context.Context, task *models.SyncTask) error {
	if task.ID == "" {
		task.ID = uuidutil.New()
	}
	now := time.Now()
	task.Status = models.SyncStatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = s.policy.MaxAttempts
	}

	// Непрерывность ревизий: новая задача наследует hash и external id
	// последней успешной синхронизации этой сущности, иначе детекция
	// конфликтов всегда видит "первую синхронизацию"
	if task.Revision == "" {
		var lastExternalID, lastRevision *string
		err := s.pool.QueryRow(ctx, `
			SELECT external_id, revision FROM sync_tasks
			WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
			  AND direction = $4 AND status = 'completed'
			ORDER BY completed_at DESC
			LIMIT 1
		`, task.TenantID, task.EntityType, task.EntityID, task.Direction).
			Scan(&lastExternalID, &lastRevision)

		switch {
		case err == nil:
			if lastRevision != nil {
				task.Revision = *lastRevision
			}
			if task.ExternalID == "" && lastExternalID != nil {
				task.ExternalID = *lastExternalID
			}
		case errors.Is(err, pgx.ErrNoRows):
			// Сущность синхронизируется впервые
		default:
			return fmt.Errorf("failed to load last synced revision: %w", err)
		}
	}

	query := `
		INSERT INTO sync_tasks (
			id, tenant_id, entity_type, entity_id, external_id, direction,
			status, priority, payload, revision, attempts, max_attempts,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13)
	`

	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.TenantID,
		task.EntityType,
		task.EntityID,
		nullString(task.ExternalID),
		task.Direction,
		task.Status,
		task.Priority,
		rawOrNil(task.Payload),
		nullString(task.Revision),
		task.MaxAttempts,
		task.CreatedAt,
		task.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTask
		}
		return fmt.Errorf("failed to enqueue sync task: %w", err)
	}

	return nil
}

func (s *syncTaskStore) ClaimNextBatch(ctx context.Context, tenantID string, limit int, connectionID string) ([]*models.SyncTask, error) {
	if limit <= 0 {
		limit = 10
	}

	// SKIP LOCKED дает single-claim гарантию при конкурентных оркестраторах
	query := `
		UPDATE sync_tasks
		SET status = 'in-progress',
		    connection_id = $3,
		    last_attempt_at = now(),
		    updated_at = now()
		WHERE id IN (
			SELECT id FROM sync_tasks
			WHERE tenant_id = $1
			  AND status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY
				CASE priority
					WHEN 'critical' THEN 3
					WHEN 'high' THEN 2
					WHEN 'normal' THEN 1
					ELSE 0
				END DESC,
				created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	rows, err := s.pool.Query(ctx, query, tenantID, limit, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task batch: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

func (s *syncTaskStore) MarkCompleted(ctx context.Context, taskID, externalID, revisionHash string) error {
	query := `
		UPDATE sync_tasks
		SET status = 'completed',
		    external_id = $2,
		    revision = $3,
		    attempts = 0,
		    last_error = NULL,
		    next_retry_at = NULL,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'in-progress'
	`

	result, err := s.pool.Exec(ctx, query, taskID, externalID, revisionHash)
	if err != nil {
		return fmt.Errorf("failed to mark task %s completed: %w", taskID, err)
	}

	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	return nil
}

func (s *syncTaskStore) MarkFailed(ctx context.Context, taskID string, syncErr models.SyncError) error {
	errJSON, err := json.Marshal(syncErr)
	if err != nil {
		return fmt.Errorf("failed to marshal sync error: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	row := tx.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM sync_tasks WHERE id = $1 FOR UPDATE`, taskID)
	if err := row.Scan(&attempts, &maxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("failed to load task %s for failure: %w", taskID, err)
	}

	attempts++

	policy := s.policy
	if maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}

	if policy.Exhausted(attempts) {
		// Терминальный отказ: задача видна оператору, но больше не планируется
		_, err = tx.Exec(ctx, `
			UPDATE sync_tasks
			SET status = 'failed',
			    attempts = $2,
			    last_error = $3,
			    last_attempt_at = now(),
			    next_retry_at = NULL,
			    connection_id = NULL,
			    updated_at = now()
			WHERE id = $1
		`, taskID, attempts, errJSON)
	} else {
		nextRetry := time.Now().Add(policy.NextDelay(attempts))
		_, err = tx.Exec(ctx, `
			UPDATE sync_tasks
			SET status = 'pending',
			    attempts = $2,
			    last_error = $3,
			    last_attempt_at = now(),
			    next_retry_at = $4,
			    connection_id = NULL,
			    updated_at = now()
			WHERE id = $1
		`, taskID, attempts, errJSON, nextRetry)
	}

	if err != nil {
		return fmt.Errorf("failed to mark task %s failed: %w", taskID, err)
	}

	return tx.Commit(ctx)
}

func (s *syncTaskStore) MarkConflict(ctx context.Context, taskID string, conflict *models.ConflictData) error {
	conflictJSON, err := json.Marshal(conflict)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict data: %w", err)
	}

	query := `
		UPDATE sync_tasks
		SET status = 'conflict',
		    conflict_data = $2,
		    connection_id = NULL,
		    next_retry_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'in-progress'
	`

	result, err := s.pool.Exec(ctx, query, taskID, conflictJSON)
	if err != nil {
		return fmt.Errorf("failed to mark task %s conflicted: %w", taskID, err)
	}

	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	return nil
}

func (s *syncTaskStore) ResolveConflict(ctx context.Context, taskID string, strategy models.ResolutionStrategy, resolvedBy string, payload json.RawMessage) (*models.SyncTask, error) {
	if !models.ValidResolutionStrategy(strategy) {
		return nil, fmt.Errorf("invalid resolution strategy: %s", strategy)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE id = $1 FOR UPDATE`, taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task %s for resolution: %w", taskID, err)
	}

	if task.Status != models.SyncStatusConflict || task.ConflictData == nil {
		return nil, ErrNotInConflict
	}

	// Выбираем выигрывающий payload согласно стратегии
	var winning json.RawMessage
	switch strategy {
	case models.ResolutionSourceWins:
		winning = task.ConflictData.InternalSnapshot
	case models.ResolutionTargetWins:
		winning = task.ConflictData.ExternalSnapshot
	case models.ResolutionMerge, models.ResolutionManual:
		if len(payload) == 0 {
			return nil, ErrPayloadMissing
		}
		winning = payload
	}

	now := time.Now()
	task.ConflictData.Strategy = strategy
	task.ConflictData.ResolvedBy = resolvedBy
	task.ConflictData.ResolvedAt = &now

	conflictJSON, err := json.Marshal(task.ConflictData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resolved conflict: %w", err)
	}

	// Исходная задача остается в журнале c записанным решением;
	// из очереди конфликтов она уходит по resolved_at
	_, err = tx.Exec(ctx, `
		UPDATE sync_tasks
		SET conflict_data = $2,
		    updated_at = now()
		WHERE id = $1
	`, taskID, conflictJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to close conflicted task %s: %w", taskID, err)
	}

	// Перевыставляем работу с выигравшим снапшотом
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

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_tasks (
			id, tenant_id, entity_type, entity_id, external_id, direction,
			status, priority, payload, revision, attempts, max_attempts,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13)
	`,
		resolved.ID,
		resolved.TenantID,
		resolved.EntityType,
		resolved.EntityID,
		nullString(resolved.ExternalID),
		resolved.Direction,
		resolved.Status,
		resolved.Priority,
		rawOrNil(resolved.Payload),
		resolved.Revision,
		resolved.MaxAttempts,
		resolved.CreatedAt,
		resolved.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to re-enqueue resolved task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit resolution: %w", err)
	}

	return resolved, nil
}

func (s *syncTaskStore) RevertInProgress(ctx context.Context, connectionID string) (int, error) {
	// Разрыв сессии посреди батча: задачи возвращаются в pending
	// без инкремента attempts — их подберет следующая сессия
	query := `
		UPDATE sync_tasks
		SET status = 'pending',
		    connection_id = NULL,
		    updated_at = now()
		WHERE connection_id = $1 AND status = 'in-progress'
	`

	result, err := s.pool.Exec(ctx, query, connectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to revert in-progress tasks for connection %s: %w", connectionID, err)
	}

	return int(result.RowsAffected()), nil
}

func (s *syncTaskStore) GetByID(ctx context.Context, taskID string) (*models.SyncTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE id = $1`, taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task by id %s: %w", taskID, err)
	}

	return task, nil
}

func (s *syncTaskStore) ListByTenant(ctx context.Context, tenantID string, status models.SyncStatus, limit, offset int) ([]*models.SyncTask, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error

	if status == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM sync_tasks
			 WHERE tenant_id = $1
			 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			tenantID, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM sync_tasks
			 WHERE tenant_id = $1 AND status = $2
			 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
			tenantID, status, limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

func (s *syncTaskStore) ListConflicts(ctx context.Context, tenantID string) ([]*models.SyncTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks
		 WHERE tenant_id = $1 AND status = 'conflict'
		   AND (conflict_data IS NULL OR conflict_data->>'resolved_at' IS NULL)
		 ORDER BY updated_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

func (s *syncTaskStore) CountByStatus(ctx context.Context, status models.SyncStatus) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_tasks WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks by status %s: %w", status, err)
	}

	return count, nil
}

func scanTask(row pgx.Row) (*models.SyncTask, error) {
	var task models.SyncTask
	var externalID, rev, connectionID *string
	var payload, lastError, conflictData []byte
	var lastAttemptAt, nextRetryAt, completedAt *time.Time

	err := row.Scan(
		&task.ID,
		&task.TenantID,
		&task.EntityType,
		&task.EntityID,
		&externalID,
		&task.Direction,
		&task.Status,
		&task.Priority,
		&payload,
		&rev,
		&task.Attempts,
		&task.MaxAttempts,
		&lastAttemptAt,
		&nextRetryAt,
		&lastError,
		&conflictData,
		&connectionID,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if externalID != nil {
		task.ExternalID = *externalID
	}
	if rev != nil {
		task.Revision = *rev
	}
	if connectionID != nil {
		task.ConnectionID = *connectionID
	}
	task.Payload = payload
	task.LastAttemptAt = lastAttemptAt
	task.NextRetryAt = nextRetryAt
	task.CompletedAt = completedAt

	if len(lastError) > 0 {
		var syncErr models.SyncError
		if err := json.Unmarshal(lastError, &syncErr); err == nil {
			task.LastError = &syncErr
		}
	}

	if len(conflictData) > 0 {
		var conflict models.ConflictData
		if err := json.Unmarshal(conflictData, &conflict); err == nil {
			task.ConflictData = &conflict
		}
	}

	return &task, nil
}

func scanTasks(rows pgx.Rows) ([]*models.SyncTask, error) {
	var tasks []*models.SyncTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return tasks, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
