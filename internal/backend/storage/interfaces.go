package storage

import (
	"context"
	"encoding/json"
	"time"

	"TallySync/internal/backend/models"
)

// SyncTaskStore интерфейс долговременного журнала задач синхронизации.
// Все мутации атомарны: никакой компонент не читает-потом-пишет.
type SyncTaskStore interface {
	// Enqueue вставляет pending задачу; возвращает ErrDuplicateTask, если
	// активная задача для (tenant, entity, direction) уже существует.
	Enqueue(ctx context.Context, task *models.SyncTask) error

	// ClaimNextBatch атомарно забирает до limit готовых задач (priority desc,
	// created asc) и помечает их in-progress. Безопасно при нескольких
	// экземплярах оркестратора: одна задача достается ровно одному.
	ClaimNextBatch(ctx context.Context, tenantID string, limit int, connectionID string) ([]*models.SyncTask, error)

	MarkCompleted(ctx context.Context, taskID, externalID, revisionHash string) error
	MarkFailed(ctx context.Context, taskID string, syncErr models.SyncError) error
	MarkConflict(ctx context.Context, taskID string, conflict *models.ConflictData) error

	// ResolveConflict применяет стратегию и перевыставляет задачу.
	// merge и manual требуют переданного финального payload.
	ResolveConflict(ctx context.Context, taskID string, strategy models.ResolutionStrategy, resolvedBy string, payload json.RawMessage) (*models.SyncTask, error)

	// RevertInProgress возвращает все in-progress задачи соединения в pending,
	// не трогая счетчик попыток. Вызывается при разрыве сессии.
	RevertInProgress(ctx context.Context, connectionID string) (int, error)

	GetByID(ctx context.Context, taskID string) (*models.SyncTask, error)
	ListByTenant(ctx context.Context, tenantID string, status models.SyncStatus, limit, offset int) ([]*models.SyncTask, error)
	ListConflicts(ctx context.Context, tenantID string) ([]*models.SyncTask, error)
	CountByStatus(ctx context.Context, status models.SyncStatus) (int, error)
}

// SessionStore журнал сессий агентов в PostgreSQL для аудита и status API.
// Живое состояние держит реестр в памяти, сюда пишется write-through.
type SessionStore interface {
	Upsert(ctx context.Context, session *models.AgentSession) error
	UpdateHeartbeat(ctx context.Context, tenantID, agentID string, at time.Time) error
	UpdateStatus(ctx context.Context, tenantID, agentID string, status models.SessionStatus) error
	ListByTenant(ctx context.Context, tenantID string) ([]*models.AgentSession, error)
}

// TriggerQueue очередь сигналов "сущность изменилась" плюс pub/sub уведомлений
type TriggerQueue interface {
	PushTrigger(ctx context.Context, trigger *models.SyncTrigger) error
	PopTrigger(ctx context.Context, timeout time.Duration) (*models.SyncTrigger, error)
	Length(ctx context.Context) (int64, error)
	Publish(ctx context.Context, channel string, message interface{}) error
	Close() error
}
