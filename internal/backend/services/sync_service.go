package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"TallySync/internal/backend/metrics"
	"TallySync/internal/backend/models"
	"TallySync/internal/backend/storage"
)

// SyncService читающая и операторская поверхность движка: статус очереди,
// очередь конфликтов, ручные триггеры. Не трогает цикл синхронизации.
type SyncService struct {
	tasks    storage.SyncTaskStore
	triggers storage.TriggerQueue
	registry *RegistryService
	kicker   interface{ Kick() }
	logger   *slog.Logger
}

func NewSyncService(
	tasks storage.SyncTaskStore,
	triggers storage.TriggerQueue,
	registry *RegistryService,
	kicker interface{ Kick() },
	logger *slog.Logger,
) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncService{
		tasks:    tasks,
		triggers: triggers,
		registry: registry,
		kicker:   kicker,
		logger:   logger,
	}
}

// GetTask возвращает задачу со статусом и причиной последней ошибки
func (s *SyncService) GetTask(ctx context.Context, taskID string) (*models.SyncTask, error) {
	return s.tasks.GetByID(ctx, taskID)
}

func (s *SyncService) ListTasks(ctx context.Context, tenantID string, status models.SyncStatus, limit, offset int) ([]*models.SyncTask, error) {
	if status != "" {
		switch status {
		case models.SyncStatusPending, models.SyncStatusInProgress, models.SyncStatusCompleted,
			models.SyncStatusFailed, models.SyncStatusConflict:
		default:
			return nil, fmt.Errorf("invalid status filter: %s", status)
		}
	}

	return s.tasks.ListByTenant(ctx, tenantID, status, limit, offset)
}

// ListConflicts очередь неразрешенных конфликтов тенанта
func (s *SyncService) ListConflicts(ctx context.Context, tenantID string) ([]*models.SyncTask, error) {
	return s.tasks.ListConflicts(ctx, tenantID)
}

// ResolveConflict применяет выбранную оператором стратегию и перевыставляет
// задачу. Стратегия приходит из запроса, никогда не выводится из данных.
func (s *SyncService) ResolveConflict(ctx context.Context, taskID string, strategy models.ResolutionStrategy, resolvedBy string, payload json.RawMessage) (*models.SyncTask, error) {
	resolved, err := s.tasks.ResolveConflict(ctx, taskID, strategy, resolvedBy, payload)
	if err != nil {
		return nil, err
	}

	s.logger.Info("conflict resolved",
		"task_id", taskID,
		"strategy", strategy,
		"resolved_by", resolvedBy,
		"new_task_id", resolved.ID,
	)

	if s.kicker != nil {
		s.kicker.Kick()
	}

	return resolved, nil
}

// RequestSync ручной запуск синхронизации сущности (кнопка sync now)
func (s *SyncService) RequestSync(ctx context.Context, trigger *models.SyncTrigger) error {
	trigger.Requested = time.Now().UnixMilli()

	if err := s.triggers.PushTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to push sync trigger: %w", err)
	}

	s.logger.Info("manual sync requested",
		"tenant_id", trigger.TenantID,
		"entity_type", trigger.EntityType,
		"entity_id", trigger.EntityID,
	)

	return nil
}

// Stats собирает снимок состояния движка; читает только store и реестр,
// цикл синхронизации не блокируется
func (s *SyncService) Stats(ctx context.Context) (*models.SyncStats, error) {
	stats := &models.SyncStats{Timestamp: time.Now()}

	var err error
	if stats.PendingTasks, err = s.tasks.CountByStatus(ctx, models.SyncStatusPending); err != nil {
		return nil, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	if stats.InProgressTasks, err = s.tasks.CountByStatus(ctx, models.SyncStatusInProgress); err != nil {
		return nil, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}
	if stats.CompletedTasks, err = s.tasks.CountByStatus(ctx, models.SyncStatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to count completed tasks: %w", err)
	}
	if stats.FailedTasks, err = s.tasks.CountByStatus(ctx, models.SyncStatusFailed); err != nil {
		return nil, fmt.Errorf("failed to count failed tasks: %w", err)
	}
	if stats.ConflictTasks, err = s.tasks.CountByStatus(ctx, models.SyncStatusConflict); err != nil {
		return nil, fmt.Errorf("failed to count conflict tasks: %w", err)
	}

	stats.ConnectedAgents = len(s.registry.ConnectedTenants())

	backlog, err := s.triggers.Length(ctx)
	if err != nil {
		s.logger.Warn("failed to get trigger backlog", "error", err)
	} else {
		stats.TriggerBacklog = backlog
		metrics.SetTriggerBacklog(backlog)
	}

	return stats, nil
}
