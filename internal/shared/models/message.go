package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType тип сообщения в духе duplex-канала agent <-> backend
type MessageType string

const (
	MessageTypeRegister     MessageType = "agent-register"
	MessageTypeRegisterAck  MessageType = "register-ack"
	MessageTypeSyncRequest  MessageType = "sync-request"
	MessageTypeSyncResult   MessageType = "sync-result"
	MessageTypeConfigUpdate MessageType = "config-update"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeAgentCommand MessageType = "agent-command"
)

// Message единый конверт для всех сообщений duplex-канала.
// Неизвестные типы не отбрасываются — они уходят в generic handler.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	AgentID   string          `json:"agent_id"`
}

func NewMessage(msgType MessageType, agentID string, data interface{}) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		AgentID:   agentID,
		Timestamp: time.Now().UnixMilli(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Data = raw
	}

	return msg, nil
}

// DecodeData распаковывает полезную нагрузку конверта в целевую структуру
func (m *Message) DecodeData(target interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %s has no data", m.Type)
	}

	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}

	return nil
}

// RegisterPayload регистрационное рукопожатие агента
type RegisterPayload struct {
	AgentID      string   `json:"agent_id"`
	TenantID     string   `json:"tenant_id"`
	Token        string   `json:"token"`
	Version      string   `json:"version"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// RegisterAckPayload ответ сервера на регистрацию
type RegisterAckPayload struct {
	Accepted            bool   `json:"accepted"`
	ConnectionID        string `json:"connection_id"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
	Reason              string `json:"reason,omitempty"`
}

// PingPayload liveness-проба, таймером владеет агент
type PingPayload struct {
	Sequence int64 `json:"sequence"`
	SentAt   int64 `json:"sent_at"`
}

type PongPayload struct {
	Sequence int64 `json:"sequence"`
	SentAt   int64 `json:"sent_at"`
}
