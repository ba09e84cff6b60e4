package models

import (
	"encoding/json"
	"time"
)

// EntityType синхронизируемая бизнес-сущность ERP
type EntityType string

const (
	EntityVoucher       EntityType = "voucher"
	EntityStockItem     EntityType = "stock-item"
	EntityParty         EntityType = "party"
	EntityLedger        EntityType = "ledger"
	EntityTenantProfile EntityType = "tenant-profile"
)

func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityVoucher, EntityStockItem, EntityParty, EntityLedger, EntityTenantProfile:
		return true
	}
	return false
}

// SyncDirection направление синхронизации
type SyncDirection string

const (
	DirectionToExternal   SyncDirection = "to-external"
	DirectionFromExternal SyncDirection = "from-external"
	DirectionBidirectional SyncDirection = "bidirectional"
)

func ValidDirection(d SyncDirection) bool {
	switch d {
	case DirectionToExternal, DirectionFromExternal, DirectionBidirectional:
		return true
	}
	return false
}

// SyncCommand задание на синхронизацию одной сущности, уходит агенту
// внутри sync-request конверта. Payload непрозрачен для транспорта.
type SyncCommand struct {
	TaskID      string          `json:"task_id"`
	TenantID    string          `json:"tenant_id"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	ExternalID  string          `json:"external_id,omitempty"`
	Direction   SyncDirection   `json:"direction"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Revision    string          `json:"revision,omitempty"`
	CompanyName string          `json:"company_name,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SyncOutcome результат выполнения SyncCommand на стороне агента
type SyncOutcome struct {
	TaskID         string          `json:"task_id"`
	AgentID        string          `json:"agent_id"`
	Success        bool            `json:"success"`
	ExternalID     string          `json:"external_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Revision       string          `json:"revision,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Agent capability bit-flags
const (
	CapabilityBulkOps      = "bulk-ops"
	CapabilityFileTransfer = "file-transfer"
	CapabilityRealtimeSync = "realtime-sync"
)
