package models

import (
	"encoding/json"
	"time"

	"TallySync/internal/shared/models"
)

type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusInProgress SyncStatus = "in-progress"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
	SyncStatusConflict   SyncStatus = "conflict"
)

type SyncPriority string

const (
	PriorityLow      SyncPriority = "low"
	PriorityNormal   SyncPriority = "normal"
	PriorityHigh     SyncPriority = "high"
	PriorityCritical SyncPriority = "critical"
)

// Weight определяет порядок выборки из очереди (больше — раньше)
func (p SyncPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// SyncError последняя ошибка задачи с контекстом для оператора
type SyncError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type ResolutionStrategy string

const (
	ResolutionManual     ResolutionStrategy = "manual"
	ResolutionSourceWins ResolutionStrategy = "source-wins"
	ResolutionTargetWins ResolutionStrategy = "target-wins"
	ResolutionMerge      ResolutionStrategy = "merge"
)

func ValidResolutionStrategy(s ResolutionStrategy) bool {
	switch s {
	case ResolutionManual, ResolutionSourceWins, ResolutionTargetWins, ResolutionMerge:
		return true
	}
	return false
}

// ConflictData пара снапшотов расходящихся правок. Задача в конфликте
// не планируется автоматически, пока конфликт не разрешен.
type ConflictData struct {
	InternalSnapshot json.RawMessage    `json:"internal_snapshot"`
	ExternalSnapshot json.RawMessage    `json:"external_snapshot"`
	DivergentFields  []string           `json:"divergent_fields"`
	Strategy         ResolutionStrategy `json:"strategy"`
	ResolvedBy       string             `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
}

// SyncTask одна единица работы по сверке: одна сущность, одно направление.
// Мутируется только оркестратором через атомарные операции store.
type SyncTask struct {
	ID         string               `json:"id"`
	TenantID   string               `json:"tenant_id"`
	EntityType models.EntityType    `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	ExternalID string               `json:"external_id,omitempty"`
	Direction  models.SyncDirection `json:"direction"`
	Status     SyncStatus           `json:"status"`
	Priority   SyncPriority         `json:"priority"`

	Payload  json.RawMessage `json:"payload,omitempty"`
	Revision string          `json:"revision,omitempty"` // hash последней успешной синхронизации

	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	LastError     *SyncError `json:"last_error,omitempty"`

	ConflictData *ConflictData `json:"conflict_data,omitempty"`

	// ConnectionID соединение, против которого задача была выдана в работу
	ConnectionID string `json:"connection_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal сообщает, достигла ли задача конечного состояния
func (t *SyncTask) Terminal() bool {
	return t.Status == SyncStatusCompleted || t.Status == SyncStatusFailed
}

// Командa для агента из задачи
func (t *SyncTask) ToCommand(company string) *models.SyncCommand {
	return &models.SyncCommand{
		TaskID:      t.ID,
		TenantID:    t.TenantID,
		EntityType:  t.EntityType,
		EntityID:    t.EntityID,
		ExternalID:  t.ExternalID,
		Direction:   t.Direction,
		Payload:     t.Payload,
		Revision:    t.Revision,
		CompanyName: company,
		CreatedAt:   t.CreatedAt,
	}
}
