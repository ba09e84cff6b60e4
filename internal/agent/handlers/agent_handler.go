package handler

import (
	"context"
	"log/slog"

	clients "TallySync/internal/agent/clients"
	"TallySync/internal/shared/models"
)

// AgentHandler диспетчер входящих сообщений backend: sync-request уходит
// в SyncHandler, config-update применяется на месте, неизвестные типы
// логируются, но не отбрасываются с ошибкой.
type AgentHandler struct {
	ws      *clients.WSClient
	sync    *SyncHandler
	agentID string
	logger  *slog.Logger
}

func NewAgentHandler(logger *slog.Logger, ws *clients.WSClient, sync *SyncHandler, agentID string) *AgentHandler {
	if logger == nil {
		logger = slog.Default()
	}

	handler := &AgentHandler{
		ws:      ws,
		sync:    sync,
		agentID: agentID,
		logger:  logger,
	}

	ws.OnMessage(handler.handleMessage)
	return handler
}

// Run блокирует до терминальной потери связи или отмены контекста
func (h *AgentHandler) Run(ctx context.Context) error {
	return h.ws.Run(ctx)
}

func (h *AgentHandler) handleMessage(ctx context.Context, msg *models.Message) {
	switch msg.Type {
	case models.MessageTypeSyncRequest:
		h.handleSyncRequest(ctx, msg)
	case models.MessageTypeConfigUpdate:
		h.logger.Info("config update received", "data", string(msg.Data))
	case models.MessageTypeAgentCommand:
		h.handleCommand(ctx, msg)
	default:
		// Forward-compatibility: неизвестный тип не повод рвать связь
		h.logger.Warn("unhandled message type", "type", msg.Type)
	}
}

func (h *AgentHandler) handleSyncRequest(ctx context.Context, msg *models.Message) {
	var cmd models.SyncCommand
	if err := msg.DecodeData(&cmd); err != nil {
		h.logger.Error("malformed sync request",
			"error", err,
			"raw", string(msg.Data),
		)
		return
	}

	// Адаптер сериализует доступ к сокету сам, поэтому запросы можно
	// принимать конкурентно, не блокируя read loop
	go func() {
		outcome := h.sync.Execute(ctx, &cmd)
		h.sendOutcome(outcome)
	}()
}

func (h *AgentHandler) handleCommand(ctx context.Context, msg *models.Message) {
	var command struct {
		Command string `json:"command"`
	}

	if err := msg.DecodeData(&command); err != nil {
		h.logger.Error("malformed agent command", "error", err)
		return
	}

	switch command.Command {
	case "probe-connection":
		go func() {
			companies, err := h.sync.adapter.Probe(ctx)
			if err != nil {
				h.logger.Error("connection probe failed", "error", err)
				return
			}
			h.logger.Info("connection probe succeeded", "companies", companies)
		}()
	default:
		h.logger.Warn("unknown agent command", "command", command.Command)
	}
}

func (h *AgentHandler) sendOutcome(outcome *models.SyncOutcome) {
	msg, err := models.NewMessage(models.MessageTypeSyncResult, h.agentID, outcome)
	if err != nil {
		h.logger.Error("failed to build sync result", "task_id", outcome.TaskID, "error", err)
		return
	}

	// При разрыве исход уходит в оффлайн-очередь и доедет после reconnect
	if err := h.ws.Send(msg); err != nil {
		h.logger.Error("failed to send sync result",
			"task_id", outcome.TaskID,
			"error", err,
		)
	}
}
