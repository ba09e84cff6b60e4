package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"TallySync/internal/backend/models"
	sharedmodels "TallySync/internal/shared/models"
	"TallySync/pkg/revision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func newTestRegistry(store *memSessionStore) *RegistryService {
	return NewRegistryService(store, RegistryConfig{HeartbeatInterval: 30 * time.Second}, testLogger())
}

func registerSession(t *testing.T, registry *RegistryService, tenantID, agentID, connectionID string) *models.AgentSession {
	t.Helper()

	session := &models.AgentSession{
		TenantID:     tenantID,
		AgentID:      agentID,
		ConnectionID: connectionID,
	}
	require.NoError(t, registry.Register(context.Background(), session, func() {}))
	return session
}

func newTestOrchestrator(store *memTaskStore, registry *RegistryService, dispatcher Dispatcher, triggers *memTriggerQueue) *Orchestrator {
	return NewOrchestrator(store, registry, dispatcher, triggers, OrchestratorConfig{
		Interval:    time.Hour,
		BatchSize:   10,
		TaskTimeout: 5 * time.Second,
	}, testLogger())
}

// Два сетевых таймаута, затем успех: задача completed, attempts
// сброшен в ноль
func TestRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	store := newMemTaskStore(models.RetryPolicy{MaxAttempts: 3, Base: 5, Cap: 125 * time.Minute})
	registry := newTestRegistry(newMemSessionStore())
	triggers := newMemTriggerQueue()

	dispatcher := &scriptedDispatcher{steps: []dispatchStep{
		{outcome: &sharedmodels.SyncOutcome{Success: false, Error: "socket timeout", ErrorCode: "tally_timeout"}},
		{outcome: &sharedmodels.SyncOutcome{Success: false, Error: "socket timeout", ErrorCode: "tally_timeout"}},
		{outcome: &sharedmodels.SyncOutcome{Success: true, ExternalID: "ext-42", Revision: "abc"}},
	}}

	orch := newTestOrchestrator(store, registry, dispatcher, triggers)
	registerSession(t, registry, "tenant-1", "agent-1", "conn-1")

	task := &models.SyncTask{
		TenantID:   "tenant-1",
		EntityType: sharedmodels.EntityVoucher,
		EntityID:   "v-100",
		Direction:  sharedmodels.DirectionToExternal,
		Payload:    json.RawMessage(`{"voucher_number":"100"}`),
	}
	require.NoError(t, store.Enqueue(ctx, task))

	for i := 0; i < 3; i++ {
		// Ретрай-задержку в тесте не ждем
		stored, err := store.GetByID(ctx, task.ID)
		require.NoError(t, err)
		if stored.NextRetryAt != nil {
			store.mu.Lock()
			store.tasks[task.ID].NextRetryAt = nil
			store.mu.Unlock()
		}
		orch.syncTenant(ctx, "tenant-1")
	}

	final, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, final.Status)
	assert.Equal(t, 0, final.Attempts)
	assert.Equal(t, "ext-42", final.ExternalID)
	assert.Equal(t, 3, dispatcher.calls)
}

// Исчерпанные попытки дают терминальный failed, невидимого зависания
// в pending нет
func TestExhaustedRetriesTerminal(t *testing.T) {
	ctx := context.Background()
	store := newMemTaskStore(models.RetryPolicy{MaxAttempts: 3, Base: 5, Cap: 125 * time.Minute})
	registry := newTestRegistry(newMemSessionStore())

	dispatcher := &scriptedDispatcher{steps: []dispatchStep{
		{outcome: &sharedmodels.SyncOutcome{Success: false, Error: "rejected", ErrorCode: "tally_protocol"}},
	}}

	orch := newTestOrchestrator(store, registry, dispatcher, newMemTriggerQueue())
	registerSession(t, registry, "tenant-1", "agent-1", "conn-1")

	task := &models.SyncTask{
		TenantID:   "tenant-1",
		EntityType: sharedmodels.EntityLedger,
		EntityID:   "l-1",
		Direction:  sharedmodels.DirectionToExternal,
		Payload:    json.RawMessage(`{"name":"Cash"}`),
	}
	require.NoError(t, store.Enqueue(ctx, task))

	for i := 0; i < 3; i++ {
		store.mu.Lock()
		store.tasks[task.ID].NextRetryAt = nil
		store.mu.Unlock()
		orch.syncTenant(ctx, "tenant-1")
	}

	final, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, final.Status)
	assert.Equal(t, 3, final.Attempts)
	require.NotNil(t, final.LastError)
	assert.Equal(t, "tally_protocol", final.LastError.Code)
}

// Обе копии изменились с последней синхронизации и по-разному:
// задача уходит в conflict, а не перезаписывает одну из сторон
func TestConflictDetection(t *testing.T) {
	ctx := context.Background()
	store := newMemTaskStore(models.RetryPolicy{MaxAttempts: 3, Base: 5})
	registry := newTestRegistry(newMemSessionStore())

	internalPayload := json.RawMessage(`{"amount":"150.00","narration":"edited locally"}`)
	externalPayload := json.RawMessage(`{"amount":"175.00","narration":"edited in tally"}`)

	dispatcher := &scriptedDispatcher{steps: []dispatchStep{
		{outcome: &sharedmodels.SyncOutcome{
			Success:    true,
			ExternalID: "ext-9",
			Payload:    externalPayload,
			Revision:   revision.MustHash(externalPayload),
		}},
	}}

	orch := newTestOrchestrator(store, registry, dispatcher, newMemTriggerQueue())
	registerSession(t, registry, "tenant-1", "agent-1", "conn-1")

	task := &models.SyncTask{
		TenantID:   "tenant-1",
		EntityType: sharedmodels.EntityVoucher,
		EntityID:   "v-9",
		ExternalID: "ext-9",
		Direction:  sharedmodels.DirectionBidirectional,
		Payload:    internalPayload,
		Revision:   "0000000000000000", // хеш последней успешной синхронизации
	}
	require.NoError(t, store.Enqueue(ctx, task))
	store.mu.Lock()
	store.tasks[task.ID].Revision = task.Revision
	store.mu.Unlock()

	orch.syncTenant(ctx, "tenant-1")

	final, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusConflict, final.Status)
	require.NotNil(t, final.ConflictData)
	assert.Equal(t, models.ResolutionManual, final.ConflictData.Strategy)
	assert.Contains(t, final.ConflictData.DivergentFields, "amount")
	assert.Contains(t, final.ConflictData.DivergentFields, "narration")
}

// Конфликт не планируется автоматически, пока не вызван ResolveConflict
func TestConflictQuarantine(t *testing.T) {
	ctx := context.Background()
	store := newMemTaskStore(models.RetryPolicy{MaxAttempts: 3, Base: 5})
	registry := newTestRegistry(newMemSessionStore())

	dispatcher := &scriptedDispatcher{steps: []dispatchStep{
		{outcome: &sharedmodels.SyncOutcome{Success: true, ExternalID: "x"}},
	}}

	orch := newTestOrchestrator(store, registry, dispatcher, newMemTriggerQueue())
	registerSession(t, registry, "tenant-1", "agent-1", "conn-1")

	task := &models.SyncTask{
		TenantID:   "tenant-1",
		EntityType: sharedmodels.EntityStockItem,
		EntityID:   "s-1",
		Direction:  sharedmodels.DirectionToExternal,
		Payload:    json.RawMessage(`{"name":"Widget"}`),
	}
	require.NoError(t, store.Enqueue(ctx, task))

	claimed, err := store.ClaimNextBatch(ctx, "tenant-1", 10, "conn-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.MarkConflict(ctx, task.ID, &models.ConflictData{
		InternalSnapshot: task.Payload,
		ExternalSnapshot: json.RawMessage(`{"name":"Gadget"}`),
		DivergentFields:  []string{"name"},
		Strategy:         models.ResolutionManual,
	}))

	// Несколько проходов планировщика не должны трогать конфликт
	for i := 0; i < 3; i++ {
		orch.syncTenant(ctx, "tenant-1")
	}

	final, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusConflict, final.Status)
	assert.Equal(t, 0, final.Attempts)

	// После resolve появляется новая pending задача с выигравшим снапшотом
	resolved, err := store.ResolveConflict(ctx, task.ID, models.ResolutionTargetWins, "operator", nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, resolved.Status)
	assert.Equal(t, json.RawMessage(`{"name":"Gadget"}`), resolved.Payload)

	conflicts, err := store.ListConflicts(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

// Разрыв сессии посреди батча: все пять in-progress задач возвращаются
// в pending с нетронутым счетчиком попыток
func TestDisconnectRevertsInFlight(t *testing.T) {
	ctx := context.Background()
	store := newMemTaskStore(models.RetryPolicy{MaxAttempts: 3, Base: 5})
	registry := newTestRegistry(newMemSessionStore())

	dispatcher := &scriptedDispatcher{steps: []dispatchStep{
		{err: ErrAgentUnavailable},
	}}

	orch := newTestOrchestrator(store, registry, dispatcher, newMemTriggerQueue())
	registry.Subscribe(orch)
	session := registerSession(t, registry, "tenant-1", "agent-1", "conn-1")

	var taskIDs []string
	for i := 0; i < 5; i++ {
		task := &models.SyncTask{
			TenantID:   "tenant-1",
			EntityType: sharedmodels.EntityVoucher,
			EntityID:   string(rune('a' + i)),
			Direction:  sharedmodels.DirectionToExternal,
			Payload:    json.RawMessage(`{}`),
		}
		require.NoError(t, store.Enqueue(ctx, task))
		taskIDs = append(taskIDs, task.ID)
	}

	claimed, err := store.ClaimNextBatch(ctx, "tenant-1", 10, session.ConnectionID)
	require.NoError(t, err)
	require.Len(t, claimed, 5)

	registry.Disconnect(ctx, session.ConnectionID, "transport closed")

	for _, id := range taskIDs {
		task, err := store.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusPending, task.Status, "task %s", id)
		assert.Equal(t, 0, task.Attempts, "task %s", id)
		assert.Empty(t, task.ConnectionID)
	}
}

// Конкурентные claim не выдают одну задачу дважды
func TestConcurrentClaimDisjoint(t *testing.T) {
	ctx := context.Background()
	store := newMemTaskStore(models.RetryPolicy{MaxAttempts: 3, Base: 5})

	for i := 0; i < 20; i++ {
		task := &models.SyncTask{
			TenantID:   "tenant-1",
			EntityType: sharedmodels.EntityLedger,
			EntityID:   string(rune('a'+i%26)) + string(rune('0'+i/26)),
			Direction:  sharedmodels.DirectionToExternal,
		}
		require.NoError(t, store.Enqueue(ctx, task))
	}

	const claimers = 4
	var wg sync.WaitGroup
	wg.Add(claimers)
	results := make(chan []*models.SyncTask, claimers)

	for i := 0; i < claimers; i++ {
		go func(n int) {
			defer wg.Done()
			batch, err := store.ClaimNextBatch(ctx, "tenant-1", 10, "conn")
			assert.NoError(t, err)
			results <- batch
		}(i)
	}

	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	total := 0
	for batch := range results {
		for _, task := range batch {
			assert.False(t, seen[task.ID], "task %s claimed twice", task.ID)
			seen[task.ID] = true
			total++
		}
	}
	assert.Equal(t, 20, total)
}

// Триггер с активной задачей для той же (entity, direction) игнорируется
func TestEnqueueFromTriggerIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemTaskStore(models.RetryPolicy{MaxAttempts: 3, Base: 5})
	registry := newTestRegistry(newMemSessionStore())
	orch := newTestOrchestrator(store, registry, &scriptedDispatcher{}, newMemTriggerQueue())

	trigger := &models.SyncTrigger{
		TenantID:   "tenant-1",
		EntityType: "voucher",
		EntityID:   "v-1",
		Direction:  "to-external",
	}

	require.NoError(t, orch.EnqueueFromTrigger(ctx, trigger))
	err := orch.EnqueueFromTrigger(ctx, trigger)
	require.Error(t, err)

	assert.Error(t, orch.EnqueueFromTrigger(ctx, &models.SyncTrigger{
		TenantID:   "tenant-1",
		EntityType: "invoice", // не существует
		EntityID:   "v-1",
	}))
}

// Полный цикл через триггеры: вторая задача для той же сущности
// наследует ревизию первой синхронизации, и расхождение обеих сторон
// дает конфликт, а не перезапись
func TestRevisionContinuityDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	store := newMemTaskStore(models.RetryPolicy{MaxAttempts: 3, Base: 5})
	registry := newTestRegistry(newMemSessionStore())

	firstPayload := json.RawMessage(`{"amount":"100.00","narration":"initial"}`)
	secondPayload := json.RawMessage(`{"amount":"150.00","narration":"edited locally"}`)
	externalPayload := json.RawMessage(`{"amount":"175.00","narration":"edited in tally"}`)

	dispatcher := &scriptedDispatcher{steps: []dispatchStep{
		// Первая синхронизация: push прошел, агент вернул хеш записанного
		{outcome: &sharedmodels.SyncOutcome{
			Success:    true,
			ExternalID: "ext-1",
			Payload:    firstPayload,
			Revision:   revision.MustHash(firstPayload),
		}},
		// Вторая: внешняя копия ушла от последней ревизии
		{outcome: &sharedmodels.SyncOutcome{
			Success:    true,
			ExternalID: "ext-1",
			Payload:    externalPayload,
			Revision:   revision.MustHash(externalPayload),
		}},
	}}

	orch := newTestOrchestrator(store, registry, dispatcher, newMemTriggerQueue())
	registerSession(t, registry, "tenant-1", "agent-1", "conn-1")

	require.NoError(t, orch.EnqueueFromTrigger(ctx, &models.SyncTrigger{
		TenantID:   "tenant-1",
		EntityType: "voucher",
		EntityID:   "v-7",
		Direction:  "to-external",
		Payload:    firstPayload,
	}))
	orch.syncTenant(ctx, "tenant-1")

	require.NoError(t, orch.EnqueueFromTrigger(ctx, &models.SyncTrigger{
		TenantID:   "tenant-1",
		EntityType: "voucher",
		EntityID:   "v-7",
		Direction:  "to-external",
		Payload:    secondPayload,
	}))

	// Новая задача должна унаследовать ревизию и external id первой
	pending, err := store.ListByTenant(ctx, "tenant-1", models.SyncStatusPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, revision.MustHash(firstPayload), pending[0].Revision)
	assert.Equal(t, "ext-1", pending[0].ExternalID)

	orch.syncTenant(ctx, "tenant-1")

	conflicts, err := store.ListConflicts(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1, "divergent edits must quarantine, not overwrite a side")
	require.NotNil(t, conflicts[0].ConflictData)
	assert.Equal(t, secondPayload, conflicts[0].ConflictData.InternalSnapshot)
	assert.Equal(t, externalPayload, conflicts[0].ConflictData.ExternalSnapshot)

	completed, err := store.ListByTenant(ctx, "tenant-1", models.SyncStatusCompleted, 10, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 1, "only the first sync may complete")
}

// Backoff не убывает с ростом попыток и упирается в потолок
func TestBackoffMonotonicity(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 5, Base: 5, Cap: 125 * time.Minute}

	var prev time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		delay := policy.NextDelay(attempt)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, 125*time.Minute)
		prev = delay
	}

	assert.Equal(t, 5*time.Minute, policy.NextDelay(2))
	assert.Equal(t, 25*time.Minute, policy.NextDelay(3))
	assert.Equal(t, 125*time.Minute, policy.NextDelay(4))
	// Потолок: 5^4 = 625 минут срезается до 125
	assert.Equal(t, 125*time.Minute, policy.NextDelay(5))
}
