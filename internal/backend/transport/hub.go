package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"TallySync/internal/backend/models"
	"TallySync/internal/backend/services"
	"TallySync/internal/config"
	"TallySync/internal/shared/constants"
	sharedmodels "TallySync/internal/shared/models"
	"TallySync/pkg/uuidutil"

	"github.com/gorilla/websocket"
)

var ErrRegisterRejected = errors.New("agent registration rejected")

// GenericHandler получает сообщения неизвестных типов: протокол остается
// forward-compatible, незнакомое не отбрасывается молча
type GenericHandler func(msg *sharedmodels.Message)

// Hub владеет всеми живыми соединениями агентов и протоколом поверх них:
// регистрационное рукопожатие, heartbeat, корреляция запрос/ответ.
type Hub struct {
	registry *services.RegistryService
	cfg      config.TransportConfig
	secret   string
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[string]*agentConn                     // connection id -> conn
	waiters map[string]chan *sharedmodels.SyncOutcome // task id -> result
	generic GenericHandler
}

func NewHub(registry *services.RegistryService, cfg config.TransportConfig, secret string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		registry: registry,
		cfg:      cfg,
		secret:   secret,
		logger:   logger,
		conns:    make(map[string]*agentConn),
		waiters:  make(map[string]chan *sharedmodels.SyncOutcome),
	}
	h.generic = func(msg *sharedmodels.Message) {
		logger.Warn("unhandled message type",
			"type", msg.Type,
			"agent_id", msg.AgentID,
		)
	}

	return h
}

// SetGenericHandler заменяет обработчик неизвестных типов сообщений
func (h *Hub) SetGenericHandler(handler GenericHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generic = handler
}

// HandleConnection обслуживает одно websocket-соединение от upgrade до
// разрыва. Агент обязан прислать agent-register в течение таймаута.
func (h *Hub) HandleConnection(ws *websocket.Conn) {
	registerTimeout := h.cfg.RegisterTimeout
	if registerTimeout == 0 {
		registerTimeout = constants.RegisterTimeout
	}

	ws.SetReadDeadline(time.Now().Add(registerTimeout))

	var msg sharedmodels.Message
	if err := ws.ReadJSON(&msg); err != nil {
		h.logger.Warn("agent failed to register in time", "error", err)
		ws.Close()
		return
	}

	if msg.Type != sharedmodels.MessageTypeRegister {
		h.logger.Warn("first message is not agent-register", "type", msg.Type)
		ws.Close()
		return
	}

	var payload sharedmodels.RegisterPayload
	if err := msg.DecodeData(&payload); err != nil {
		h.logger.Warn("malformed register payload", "error", err)
		ws.Close()
		return
	}

	connectionID := uuidutil.New()
	conn := newAgentConn(connectionID, ws, h.writeTimeout(), h.logger)
	conn.tenantID = payload.TenantID
	conn.agentID = payload.AgentID

	if err := h.register(conn, &payload); err != nil {
		h.logger.Warn("agent registration rejected",
			"agent_id", payload.AgentID,
			"tenant_id", payload.TenantID,
			"error", err,
		)
		h.sendAck(conn, false, "", err.Error())
		conn.close()
		return
	}

	h.sendAck(conn, true, connectionID, "")

	h.logger.Info("agent transport established",
		"tenant_id", payload.TenantID,
		"agent_id", payload.AgentID,
		"connection_id", connectionID,
		"version", payload.Version,
		"platform", payload.Platform,
	)

	go conn.writePump()
	h.readLoop(conn)
}

func (h *Hub) register(conn *agentConn, payload *sharedmodels.RegisterPayload) error {
	if payload.AgentID == "" || payload.TenantID == "" {
		return fmt.Errorf("agent id and tenant id are required: %w", ErrRegisterRejected)
	}

	if subtle.ConstantTimeCompare([]byte(payload.Token), []byte(h.secret)) != 1 {
		return fmt.Errorf("invalid agent token: %w", ErrRegisterRejected)
	}

	session := &models.AgentSession{
		TenantID:          payload.TenantID,
		AgentID:           payload.AgentID,
		ConnectionID:      conn.id,
		Version:           payload.Version,
		Platform:          payload.Platform,
		Capabilities:      payload.Capabilities,
		HeartbeatInterval: h.cfg.HeartbeatInterval,
	}

	if err := h.registry.Register(context.Background(), session, conn.close); err != nil {
		return fmt.Errorf("registry rejected session: %w", err)
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	return nil
}

func (h *Hub) sendAck(conn *agentConn, accepted bool, connectionID, reason string) {
	ack, err := sharedmodels.NewMessage(sharedmodels.MessageTypeRegisterAck, conn.agentID, &sharedmodels.RegisterAckPayload{
		Accepted:            accepted,
		ConnectionID:        connectionID,
		HeartbeatIntervalMs: h.cfg.HeartbeatInterval.Milliseconds(),
		Reason:              reason,
	})
	if err != nil {
		h.logger.Error("failed to build register ack", "error", err)
		return
	}

	// Ack уходит до старта writePump, поэтому пишем в сокет напрямую:
	// enqueue на отказе некому было бы дренировать
	conn.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
	if err := conn.ws.WriteJSON(ack); err != nil {
		h.logger.Warn("failed to write register ack",
			"agent_id", conn.agentID,
			"error", err,
		)
	}
}

// readLoop читает входящие конверты до разрыва соединения
func (h *Hub) readLoop(conn *agentConn) {
	defer h.teardown(conn, "read loop finished")

	// После рукопожатия даем 5x heartbeat интервала на чтение:
	// дальше сокет считается мертвым и без sweep
	readTimeout := time.Duration(constants.StaleHeartbeatFactor) * h.heartbeatInterval()

	for {
		conn.ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg sharedmodels.Message
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("agent connection broken",
					"connection_id", conn.id,
					"agent_id", conn.agentID,
					"error", err,
				)
			}
			return
		}

		h.handleMessage(conn, &msg)
	}
}

func (h *Hub) handleMessage(conn *agentConn, msg *sharedmodels.Message) {
	switch msg.Type {
	case sharedmodels.MessageTypePing:
		if err := h.registry.Heartbeat(context.Background(), conn.tenantID, conn.agentID); err != nil {
			h.logger.Warn("heartbeat for unknown session",
				"agent_id", conn.agentID,
				"error", err,
			)
		}

		var ping sharedmodels.PingPayload
		if err := msg.DecodeData(&ping); err == nil {
			pong, err := sharedmodels.NewMessage(sharedmodels.MessageTypePong, conn.agentID, &sharedmodels.PongPayload{
				Sequence: ping.Sequence,
				SentAt:   ping.SentAt,
			})
			if err == nil {
				conn.enqueue(pong)
			}
		}

	case sharedmodels.MessageTypeSyncResult:
		var outcome sharedmodels.SyncOutcome
		if err := msg.DecodeData(&outcome); err != nil {
			h.logger.Error("malformed sync result",
				"connection_id", conn.id,
				"agent_id", conn.agentID,
				"error", err,
				"raw", string(msg.Data),
			)
			return
		}
		h.deliverResult(&outcome)

	default:
		h.mu.Lock()
		generic := h.generic
		h.mu.Unlock()
		generic(msg)
	}
}

func (h *Hub) deliverResult(outcome *sharedmodels.SyncOutcome) {
	h.mu.Lock()
	waiter, ok := h.waiters[outcome.TaskID]
	if ok {
		delete(h.waiters, outcome.TaskID)
	}
	h.mu.Unlock()

	if !ok {
		// Результат пришел после таймаута диспетчера — фиксируем, не теряем
		h.logger.Warn("sync result without waiter",
			"task_id", outcome.TaskID,
			"agent_id", outcome.AgentID,
			"success", outcome.Success,
		)
		return
	}

	waiter <- outcome
}

// Dispatch отправляет команду синхронизации в connected сессию тенанта и
// ждет результата не дольше timeout. Ошибки транспорта оборачиваются
// контекстом задачи; решение retry/terminal принимает оркестратор.
func (h *Hub) Dispatch(ctx context.Context, session *models.AgentSession, cmd *sharedmodels.SyncCommand, timeout time.Duration) (*sharedmodels.SyncOutcome, error) {
	h.mu.Lock()
	conn, ok := h.conns[session.ConnectionID]
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("task %s: %w", cmd.TaskID, services.ErrAgentUnavailable)
	}

	msg, err := sharedmodels.NewMessage(sharedmodels.MessageTypeSyncRequest, session.AgentID, cmd)
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to build sync request: %w", cmd.TaskID, err)
	}

	waiter := make(chan *sharedmodels.SyncOutcome, 1)
	h.mu.Lock()
	h.waiters[cmd.TaskID] = waiter
	h.mu.Unlock()

	cleanup := func() {
		h.mu.Lock()
		delete(h.waiters, cmd.TaskID)
		h.mu.Unlock()
	}

	if err := conn.enqueue(msg); err != nil {
		cleanup()
		return nil, fmt.Errorf("task %s: failed to send sync request: %w", cmd.TaskID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		cleanup()
		return nil, fmt.Errorf("task %s: %w", cmd.TaskID, ctx.Err())
	case <-conn.done:
		cleanup()
		return nil, fmt.Errorf("task %s: %w", cmd.TaskID, services.ErrAgentUnavailable)
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("task %s: %w", cmd.TaskID, services.ErrDispatchTimeout)
	case outcome := <-waiter:
		return outcome, nil
	}
}

// SendCommand доставляет произвольный конверт агенту (config-update и т.п.)
func (h *Hub) SendCommand(session *models.AgentSession, msgType sharedmodels.MessageType, data interface{}) error {
	h.mu.Lock()
	conn, ok := h.conns[session.ConnectionID]
	h.mu.Unlock()

	if !ok {
		return services.ErrAgentUnavailable
	}

	msg, err := sharedmodels.NewMessage(msgType, session.AgentID, data)
	if err != nil {
		return err
	}

	return conn.enqueue(msg)
}

func (h *Hub) teardown(conn *agentConn, reason string) {
	conn.close()

	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()

	h.registry.Disconnect(context.Background(), conn.id, reason)
}

func (h *Hub) heartbeatInterval() time.Duration {
	if h.cfg.HeartbeatInterval > 0 {
		return h.cfg.HeartbeatInterval
	}
	return constants.HeartbeatInterval
}

func (h *Hub) writeTimeout() time.Duration {
	if h.cfg.HeartbeatTimeout > 0 {
		return h.cfg.HeartbeatTimeout
	}
	return constants.HeartbeatTimeout
}
