package models

import "time"

// SyncStats снимок состояния движка для status API.
// Читается без блокировки цикла синхронизации.
type SyncStats struct {
	PendingTasks    int `json:"pending_tasks"`
	InProgressTasks int `json:"in_progress_tasks"`
	CompletedTasks  int `json:"completed_tasks"`
	FailedTasks     int `json:"failed_tasks"`
	ConflictTasks   int `json:"conflict_tasks"`

	ConnectedAgents int   `json:"connected_agents"`
	TriggerBacklog  int64 `json:"trigger_backlog"`

	Timestamp time.Time `json:"timestamp"`
}

// ResultNotification публикуется в Redis после коммита результата задачи
type ResultNotification struct {
	TaskID     string     `json:"task_id"`
	TenantID   string     `json:"tenant_id"`
	AgentID    string     `json:"agent_id"`
	Status     SyncStatus `json:"status"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// SyncTrigger сигнал "сущность изменилась" от CRUD-бэкенда или ручной sync-now
type SyncTrigger struct {
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Direction  string `json:"direction"`
	Priority   string `json:"priority,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	Requested  int64  `json:"requested"`
}
