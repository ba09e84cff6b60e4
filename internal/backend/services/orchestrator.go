package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"TallySync/internal/backend/metrics"
	"TallySync/internal/backend/models"
	"TallySync/internal/backend/storage"
	sharedmodels "TallySync/internal/shared/models"
	"TallySync/pkg/revision"
)

var (
	ErrAgentUnavailable = errors.New("agent session unavailable")
	ErrDispatchTimeout  = errors.New("sync dispatch timed out")
)

// Dispatcher доставляет команду агенту и ждет результат. Реализуется
// транспортным hub; в тестах подменяется фейком.
type Dispatcher interface {
	Dispatch(ctx context.Context, session *models.AgentSession, cmd *sharedmodels.SyncCommand, timeout time.Duration) (*sharedmodels.SyncOutcome, error)
}

// Orchestrator планировщик синхронизации: забирает готовые задачи,
// раздает их connected сессиям, интерпретирует результаты.
// Единственный компонент, который мутирует терминальное состояние задач.
type Orchestrator struct {
	tasks      storage.SyncTaskStore
	registry   *RegistryService
	dispatcher Dispatcher
	triggers   storage.TriggerQueue
	logger     *slog.Logger

	interval    time.Duration
	batchSize   int
	taskTimeout time.Duration
	company     string

	kick chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool // tenant id -> батч в полете
}

type OrchestratorConfig struct {
	Interval    time.Duration
	BatchSize   int
	TaskTimeout time.Duration
	Company     string
}

func NewOrchestrator(
	tasks storage.SyncTaskStore,
	registry *RegistryService,
	dispatcher Dispatcher,
	triggers storage.TriggerQueue,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {

	interval := cfg.Interval
	if interval == 0 {
		interval = 3 * time.Minute
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 10
	}

	taskTimeout := cfg.TaskTimeout
	if taskTimeout == 0 {
		taskTimeout = 30 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		tasks:       tasks,
		registry:    registry,
		dispatcher:  dispatcher,
		triggers:    triggers,
		logger:      logger,
		interval:    interval,
		batchSize:   batchSize,
		taskTimeout: taskTimeout,
		company:     cfg.Company,
		kick:        make(chan struct{}, 1),
		inFlight:    make(map[string]bool),
	}
}

// Run крутит планировщик: фиксированный интервал плюс внеплановые kick
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("sync orchestrator started",
		"interval", o.interval,
		"batch_size", o.batchSize,
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("sync orchestrator stopped")
			return
		case <-ticker.C:
			o.runPass(ctx)
		case <-o.kick:
			o.runPass(ctx)
		}
	}
}

// Kick запускает внеплановый проход (sync now, пришел триггер)
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// runPass обходит тенантов с живыми сессиями; не больше одного батча
// в полете на тенанта — тенанты не блокируют друг друга
func (o *Orchestrator) runPass(ctx context.Context) {
	for _, tenantID := range o.registry.ConnectedTenants() {
		o.mu.Lock()
		if o.inFlight[tenantID] {
			o.mu.Unlock()
			continue
		}
		o.inFlight[tenantID] = true
		o.mu.Unlock()

		go func(tenant string) {
			defer func() {
				o.mu.Lock()
				delete(o.inFlight, tenant)
				o.mu.Unlock()
			}()
			o.syncTenant(ctx, tenant)
		}(tenantID)
	}
}

// syncTenant выполняет один батч для тенанта
func (o *Orchestrator) syncTenant(ctx context.Context, tenantID string) {
	session := o.registry.ConnectedSession(tenantID)
	if session == nil {
		// Сессии нет — задачи остаются pending до следующего прохода
		return
	}

	batch, err := o.tasks.ClaimNextBatch(ctx, tenantID, o.batchSize, session.ConnectionID)
	if err != nil {
		o.logger.Error("failed to claim task batch",
			"error", err,
			"tenant_id", tenantID,
		)
		return
	}

	if len(batch) == 0 {
		return
	}

	// Группируем по типу сущности: однотипные запросы к Tally дешевле подряд
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].EntityType < batch[j].EntityType
	})

	o.logger.Info("dispatching sync batch",
		"tenant_id", tenantID,
		"agent_id", session.AgentID,
		"batch_size", len(batch),
	)

	for _, task := range batch {
		o.dispatchTask(ctx, session, task)
	}
}

// dispatchTask отправляет одну задачу и коммитит результат по мере готовности
func (o *Orchestrator) dispatchTask(ctx context.Context, session *models.AgentSession, task *models.SyncTask) {
	start := time.Now()
	outcome, err := o.dispatcher.Dispatch(ctx, session, task.ToCommand(o.company), o.taskTimeout)
	elapsed := time.Since(start)

	metrics.ObserveDispatch(elapsed.Seconds())

	if err != nil {
		o.handleDispatchError(ctx, session, task, err)
		return
	}

	o.registry.RecordResult(session.TenantID, session.AgentID, outcome.Success, outcome.ResponseTimeMs)

	if !outcome.Success {
		o.failTask(ctx, task, models.SyncError{
			Message: outcome.Error,
			Code:    outcome.ErrorCode,
			Detail:  fmt.Sprintf("agent %s, attempt %d", session.AgentID, task.Attempts+1),
		})
		return
	}

	o.commitSuccess(ctx, session, task, outcome)
}

func (o *Orchestrator) handleDispatchError(ctx context.Context, session *models.AgentSession, task *models.SyncTask, err error) {
	switch {
	case errors.Is(err, ErrAgentUnavailable), errors.Is(err, context.Canceled):
		// Разрыв посреди батча: задача вернется в pending без штрафа
		if _, revertErr := o.tasks.RevertInProgress(ctx, session.ConnectionID); revertErr != nil {
			o.logger.Error("failed to revert task after disconnect",
				"error", revertErr,
				"task_id", task.ID,
			)
		}
		o.logger.Warn("agent vanished mid-batch, task reverted to pending",
			"task_id", task.ID,
			"agent_id", session.AgentID,
		)

	case errors.Is(err, ErrDispatchTimeout):
		o.registry.RecordResult(session.TenantID, session.AgentID, false, o.taskTimeout.Milliseconds())
		o.failTask(ctx, task, models.SyncError{
			Message: "sync request timed out",
			Code:    "dispatch_timeout",
			Detail:  fmt.Sprintf("agent %s, attempt %d, timeout %s", session.AgentID, task.Attempts+1, o.taskTimeout),
		})

	default:
		o.failTask(ctx, task, models.SyncError{
			Message: err.Error(),
			Code:    "transport_error",
			Detail:  fmt.Sprintf("agent %s, attempt %d", session.AgentID, task.Attempts+1),
		})
	}
}

// commitSuccess завершает задачу либо переводит ее в конфликт.
// Last-writer-wins намеренно НЕ применяется: расхождение обеих сторон
// с момента последней синхронизации — это конфликт для оператора.
func (o *Orchestrator) commitSuccess(ctx context.Context, session *models.AgentSession, task *models.SyncTask, outcome *sharedmodels.SyncOutcome) {
	internalHash := ""
	if len(task.Payload) > 0 {
		internalHash = revision.MustHash(task.Payload)
	}
	externalHash := outcome.Revision

	if o.detectConflict(task, internalHash, externalHash) {
		conflict := &models.ConflictData{
			InternalSnapshot: task.Payload,
			ExternalSnapshot: outcome.Payload,
			DivergentFields:  divergentFields(task.Payload, outcome.Payload),
			Strategy:         models.ResolutionManual,
		}

		if err := o.tasks.MarkConflict(ctx, task.ID, conflict); err != nil {
			o.logger.Error("failed to mark conflict",
				"error", err,
				"task_id", task.ID,
			)
			return
		}

		metrics.IncTask("conflict", string(task.EntityType))
		o.logger.Warn("divergent concurrent edits detected, task quarantined",
			"task_id", task.ID,
			"entity_type", task.EntityType,
			"entity_id", task.EntityID,
			"last_revision", task.Revision,
			"internal_revision", internalHash,
			"external_revision", externalHash,
		)
		o.publishResult(ctx, task, models.SyncStatusConflict, "divergent concurrent edits", session.AgentID)
		return
	}

	newRevision := externalHash
	if newRevision == "" {
		newRevision = internalHash
	}

	externalID := outcome.ExternalID
	if externalID == "" {
		externalID = task.ExternalID
	}

	if err := o.tasks.MarkCompleted(ctx, task.ID, externalID, newRevision); err != nil {
		o.logger.Error("failed to mark task completed",
			"error", err,
			"task_id", task.ID,
		)
		return
	}

	metrics.IncTask("completed", string(task.EntityType))
	o.logger.Info("sync task completed",
		"task_id", task.ID,
		"entity_type", task.EntityType,
		"entity_id", task.EntityID,
		"external_id", externalID,
		"response_time_ms", outcome.ResponseTimeMs,
	)
	o.publishResult(ctx, task, models.SyncStatusCompleted, "", session.AgentID)
}

// detectConflict сравнивает хеш последней синхронизации с текущими хешами
// обеих копий: если изменились обе и по-разному — конфликт
func (o *Orchestrator) detectConflict(task *models.SyncTask, internalHash, externalHash string) bool {
	if task.Revision == "" {
		// Первая синхронизация — сравнивать не с чем
		return false
	}

	if internalHash == "" || externalHash == "" {
		return false
	}

	internalChanged := internalHash != task.Revision
	externalChanged := externalHash != task.Revision

	return internalChanged && externalChanged && internalHash != externalHash
}

func (o *Orchestrator) failTask(ctx context.Context, task *models.SyncTask, syncErr models.SyncError) {
	if err := o.tasks.MarkFailed(ctx, task.ID, syncErr); err != nil {
		o.logger.Error("failed to mark task failed",
			"error", err,
			"task_id", task.ID,
		)
		return
	}

	updated, err := o.tasks.GetByID(ctx, task.ID)
	if err != nil || updated == nil {
		o.logger.Warn("failed to reload task after failure", "task_id", task.ID, "error", err)
		return
	}

	if updated.Status == models.SyncStatusFailed {
		metrics.IncTask("failed", string(task.EntityType))
		o.logger.Error("sync task exhausted retries",
			"task_id", task.ID,
			"entity_type", task.EntityType,
			"entity_id", task.EntityID,
			"attempts", updated.Attempts,
			"error", syncErr.Message,
		)
		o.publishResult(ctx, task, models.SyncStatusFailed, syncErr.Message, "")
	} else {
		o.logger.Warn("sync task failed, retry scheduled",
			"task_id", task.ID,
			"attempts", updated.Attempts,
			"next_retry_at", updated.NextRetryAt,
			"error", syncErr.Message,
		)
	}
}

func (o *Orchestrator) publishResult(ctx context.Context, task *models.SyncTask, status models.SyncStatus, errMsg string, agentID string) {
	notification := models.ResultNotification{
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		AgentID:    agentID,
		Status:     status,
		EntityType: string(task.EntityType),
		EntityID:   task.EntityID,
		Error:      errMsg,
		Timestamp:  time.Now(),
	}

	if err := o.triggers.Publish(ctx, storage.ChannelResults, notification); err != nil {
		o.logger.Warn("failed to publish result notification",
			"error", err,
			"task_id", task.ID,
		)
	}
}

// SessionDisconnected реализует SessionObserver: при разрыве все задачи,
// выданные этому соединению, возвращаются в pending без инкремента attempts
func (o *Orchestrator) SessionDisconnected(session *models.AgentSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reverted, err := o.tasks.RevertInProgress(ctx, session.ConnectionID)
	if err != nil {
		o.logger.Error("failed to revert in-progress tasks on disconnect",
			"error", err,
			"connection_id", session.ConnectionID,
		)
		return
	}

	if reverted > 0 {
		o.logger.Info("reverted in-flight tasks after disconnect",
			"connection_id", session.ConnectionID,
			"agent_id", session.AgentID,
			"reverted", reverted,
		)
	}
}

// RunTriggers вычерпывает сигналы "сущность изменилась" и превращает их
// в задачи; каждый принятый триггер дергает планировщик
func (o *Orchestrator) RunTriggers(ctx context.Context) {
	o.logger.Info("trigger drain loop started")

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("trigger drain loop stopped")
			return
		default:
		}

		trigger, err := o.triggers.PopTrigger(ctx, time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			o.logger.Error("failed to pop sync trigger", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if trigger == nil {
			continue
		}

		if err := o.EnqueueFromTrigger(ctx, trigger); err != nil {
			if errors.Is(err, storage.ErrDuplicateTask) {
				o.logger.Debug("trigger ignored, active task exists",
					"tenant_id", trigger.TenantID,
					"entity_type", trigger.EntityType,
					"entity_id", trigger.EntityID,
				)
				continue
			}
			o.logger.Error("failed to enqueue task from trigger",
				"error", err,
				"tenant_id", trigger.TenantID,
				"entity_id", trigger.EntityID,
			)
			continue
		}

		o.Kick()
	}
}

// EnqueueFromTrigger создает задачу из сигнала изменения сущности
func (o *Orchestrator) EnqueueFromTrigger(ctx context.Context, trigger *models.SyncTrigger) error {
	entityType := sharedmodels.EntityType(trigger.EntityType)
	if !sharedmodels.ValidEntityType(entityType) {
		return fmt.Errorf("invalid entity type in trigger: %s", trigger.EntityType)
	}

	direction := sharedmodels.SyncDirection(trigger.Direction)
	if direction == "" {
		direction = sharedmodels.DirectionToExternal
	}
	if !sharedmodels.ValidDirection(direction) {
		return fmt.Errorf("invalid direction in trigger: %s", trigger.Direction)
	}

	priority := models.SyncPriority(trigger.Priority)
	if priority == "" {
		priority = models.PriorityNormal
	}

	task := &models.SyncTask{
		TenantID:   trigger.TenantID,
		EntityType: entityType,
		EntityID:   trigger.EntityID,
		Direction:  direction,
		Priority:   priority,
		Payload:    json.RawMessage(trigger.Payload),
	}

	return o.tasks.Enqueue(ctx, task)
}

// divergentFields возвращает верхнеуровневые поля, различающиеся между
// двумя JSON снапшотами
func divergentFields(internal, external json.RawMessage) []string {
	var a, b map[string]json.RawMessage
	if err := json.Unmarshal(internal, &a); err != nil {
		return nil
	}
	if err := json.Unmarshal(external, &b); err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var fields []string

	for key, av := range a {
		bv, ok := b[key]
		if !ok || revision.MustHash(av) != revision.MustHash(bv) {
			fields = append(fields, key)
		}
		seen[key] = true
	}

	for key := range b {
		if !seen[key] {
			fields = append(fields, key)
		}
	}

	sort.Strings(fields)
	return fields
}
