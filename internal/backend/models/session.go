package models

import "time"

type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionConnecting   SessionStatus = "connecting"
	SessionConnected    SessionStatus = "connected"
	SessionError        SessionStatus = "error"
	SessionMaintenance  SessionStatus = "maintenance"
)

type SessionHealth string

const (
	HealthHealthy   SessionHealth = "healthy"
	HealthWarning   SessionHealth = "warning"
	HealthUnhealthy SessionHealth = "unhealthy"
	HealthUnknown   SessionHealth = "unknown"
)

// SessionPerformance скользящие счетчики производительности сессии
type SessionPerformance struct {
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	RequestCount      int64   `json:"request_count"`
	SuccessCount      int64   `json:"success_count"`
	FailureCount      int64   `json:"failure_count"`
}

// RecordResult обновляет счетчики по результату одного запроса.
// Среднее время ответа считается кумулятивно.
func (p *SessionPerformance) RecordResult(success bool, responseTimeMs int64) {
	p.RequestCount++
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}

	if p.RequestCount == 1 {
		p.AvgResponseTimeMs = float64(responseTimeMs)
		return
	}

	p.AvgResponseTimeMs += (float64(responseTimeMs) - p.AvgResponseTimeMs) / float64(p.RequestCount)
}

// AgentSession одна физическая сессия десктопного агента.
// Инвариант: не более одной connected сессии на (tenant, agent).
type AgentSession struct {
	TenantID     string        `json:"tenant_id"`
	AgentID      string        `json:"agent_id"`
	ConnectionID string        `json:"connection_id"`
	Protocol     string        `json:"protocol"`
	Status       SessionStatus `json:"status"`

	Version      string   `json:"version,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	LastHeartbeatAt   time.Time     `json:"last_heartbeat_at"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	Performance SessionPerformance `json:"performance"`

	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Health выводится из времени с последнего heartbeat относительно интервала
func (s *AgentSession) Health(now time.Time) SessionHealth {
	if s.Status != SessionConnected {
		return HealthUnknown
	}

	if s.LastHeartbeatAt.IsZero() || s.HeartbeatInterval <= 0 {
		return HealthUnknown
	}

	elapsed := now.Sub(s.LastHeartbeatAt)
	switch {
	case elapsed <= s.HeartbeatInterval:
		return HealthHealthy
	case elapsed <= 3*s.HeartbeatInterval:
		return HealthWarning
	default:
		return HealthUnhealthy
	}
}

// Stale сообщает, что сессия мертва: нет heartbeat дольше factor интервалов
func (s *AgentSession) Stale(now time.Time, factor int) bool {
	if s.Status != SessionConnected {
		return false
	}

	if s.LastHeartbeatAt.IsZero() || s.HeartbeatInterval <= 0 {
		return false
	}

	return now.Sub(s.LastHeartbeatAt) > time.Duration(factor)*s.HeartbeatInterval
}

// HasCapability проверяет поддержку возможности агентом
func (s *AgentSession) HasCapability(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
