package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"TallySync/internal/config"
	"TallySync/internal/shared/constants"
	"TallySync/internal/shared/models"

	"github.com/gorilla/websocket"
)

// Identity идентичность агента для регистрационного рукопожатия
type Identity struct {
	AgentID      string
	TenantID     string
	Token        string
	Version      string
	Platform     string
	Capabilities []string
}

// MessageHandler получает входящие сообщения backend
type MessageHandler func(ctx context.Context, msg *models.Message)

// WSClient duplex-канал агента к backend: регистрация, heartbeat,
// reconnect с удвоением задержки, оффлайн-очередь строго FIFO.
type WSClient struct {
	url      string
	identity Identity
	cfg      config.TransportConfig
	logger   *slog.Logger

	handler MessageHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	// gorilla допускает не более одного конкурентного писателя;
	// пинги, исходы синхронизации и флаш оффлайн-очереди сериализуются здесь
	writeMu sync.Mutex

	offline      []*models.Message
	offlineBytes int

	pingSeq  atomic.Int64
	lastPong atomic.Int64
}

func NewWSClient(cfg config.TransportConfig, identity Identity, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}

	return &WSClient{
		url:      cfg.BackendURL,
		identity: identity,
		cfg:      cfg,
		logger:   logger,
	}
}

// OnMessage регистрирует обработчик входящих сообщений. Вызывается до Run.
func (c *WSClient) OnMessage(handler MessageHandler) {
	c.handler = handler
}

// Run держит соединение живым до отмены контекста либо исчерпания
// reconnect-попыток; исчерпание это терминальное "unreachable" событие.
func (c *WSClient) Run(ctx context.Context) error {
	attempts := 0
	delay := c.reconnectBaseDelay()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		registered, err := c.runSession(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		// Успешная регистрация обнуляет счетчик reconnect-попыток
		if registered {
			attempts = 0
			delay = c.reconnectBaseDelay()
		}

		attempts++
		maxAttempts := c.maxReconnectAttempts()
		if attempts >= maxAttempts {
			c.logger.Error("backend unreachable",
				"attempts", attempts,
				"last_error", err,
			)
			return fmt.Errorf("after %d attempts: %w", attempts, ErrBackendUnreachable)
		}

		c.logger.Warn("connection lost, reconnecting",
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if max := c.reconnectMaxDelay(); delay > max {
			delay = max
		}
	}
}

// runSession одно физическое соединение: connect, register, флаш
// оффлайн-очереди, heartbeat, read loop
func (c *WSClient) runSession(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.registerTimeout()}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	ack, err := c.register(conn)
	if err != nil {
		return false, err
	}

	heartbeatInterval := c.cfg.HeartbeatInterval
	if ack.HeartbeatIntervalMs > 0 {
		heartbeatInterval = time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
	}
	if heartbeatInterval == 0 {
		heartbeatInterval = constants.HeartbeatInterval
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
	}()

	c.logger.Info("registered with backend",
		"connection_id", ack.ConnectionID,
		"heartbeat_interval", heartbeatInterval,
	)

	c.lastPong.Store(time.Now().UnixMilli())
	c.flushOffline()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeatLoop(sessionCtx, conn, heartbeatInterval)

	return true, c.readLoop(sessionCtx, conn)
}

func (c *WSClient) register(conn *websocket.Conn) (*models.RegisterAckPayload, error) {
	payload := models.RegisterPayload{
		AgentID:      c.identity.AgentID,
		TenantID:     c.identity.TenantID,
		Token:        c.identity.Token,
		Version:      c.identity.Version,
		Platform:     c.identity.Platform,
		Capabilities: c.identity.Capabilities,
	}

	msg, err := models.NewMessage(models.MessageTypeRegister, c.identity.AgentID, payload)
	if err != nil {
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(c.registerTimeout()))
	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("failed to send registration: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.registerTimeout()))
	var reply models.Message
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("failed to read registration ack: %w", err)
	}

	if reply.Type != models.MessageTypeRegisterAck {
		return nil, fmt.Errorf("unexpected handshake reply %s: %w", reply.Type, ErrRegisterRejected)
	}

	var ack models.RegisterAckPayload
	if err := reply.DecodeData(&ack); err != nil {
		return nil, err
	}

	if !ack.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrRegisterRejected, ack.Reason)
	}

	return &ack, nil
}

func (c *WSClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timeout := c.cfg.HeartbeatTimeout
	if timeout == 0 {
		timeout = constants.HeartbeatTimeout
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Нет pong в пределах interval+timeout — связь мертва,
			// рвем сокет и даем reconnect-циклу работать
			lastPong := time.UnixMilli(c.lastPong.Load())
			if time.Since(lastPong) > interval+timeout {
				c.logger.Warn("heartbeat timed out, tearing down connection",
					"last_pong", lastPong,
				)
				conn.Close()
				return
			}

			ping := models.PingPayload{
				Sequence: c.pingSeq.Add(1),
				SentAt:   time.Now().UnixMilli(),
			}

			msg, err := models.NewMessage(models.MessageTypePing, c.identity.AgentID, ping)
			if err != nil {
				continue
			}

			if err := c.writeMessage(msg); err != nil {
				c.logger.Warn("failed to send ping", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(constants.MaxMessageBytes)

	for {
		conn.SetReadDeadline(time.Time{})

		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		switch msg.Type {
		case models.MessageTypePong:
			c.lastPong.Store(time.Now().UnixMilli())
		default:
			if c.handler != nil {
				c.handler(ctx, &msg)
			} else {
				c.logger.Debug("message dropped, no handler", "type", msg.Type)
			}
		}
	}
}

// Send отправляет сообщение либо буферизует его, пока связи нет
func (c *WSClient) Send(msg *models.Message) error {
	c.mu.Lock()

	if !c.connected {
		err := c.bufferLocked(msg)
		c.mu.Unlock()
		return err
	}

	conn := c.conn
	c.mu.Unlock()

	return c.writeTo(conn, msg)
}

func (c *WSClient) writeMessage(msg *models.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	return c.writeTo(conn, msg)
}

func (c *WSClient) writeTo(conn *websocket.Conn, msg *models.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.HeartbeatTimeout + constants.HeartbeatTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// bufferLocked кладет сообщение в хвост оффлайн-очереди с проверкой лимитов
func (c *WSClient) bufferLocked(msg *models.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to size message: %w", err)
	}

	if len(raw) > constants.MaxMessageBytes {
		return fmt.Errorf("%d bytes: %w", len(raw), ErrMessageTooLarge)
	}

	if len(c.offline) >= constants.MaxOfflineMessages ||
		c.offlineBytes+len(raw) > constants.MaxOfflineBytes {
		return ErrOfflineQueueFull
	}

	c.offline = append(c.offline, msg)
	c.offlineBytes += len(raw)

	c.logger.Debug("message buffered offline",
		"type", msg.Type,
		"queued", len(c.offline),
		"queued_bytes", c.offlineBytes,
	)

	return nil
}

// flushOffline сливает очередь строго FIFO с паузой между сообщениями,
// чтобы не заливать только что поднятую связь
func (c *WSClient) flushOffline() {
	c.mu.Lock()
	pending := c.offline
	c.offline = nil
	c.offlineBytes = 0
	conn := c.conn
	c.mu.Unlock()

	if len(pending) == 0 || conn == nil {
		return
	}

	c.logger.Info("flushing offline queue", "messages", len(pending))

	for _, msg := range pending {
		if err := c.writeTo(conn, msg); err != nil {
			c.logger.Error("offline flush aborted", "error", err)
			return
		}
		time.Sleep(constants.OfflineFlushDelay)
	}
}

func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *WSClient) registerTimeout() time.Duration {
	if c.cfg.RegisterTimeout > 0 {
		return c.cfg.RegisterTimeout
	}
	return constants.RegisterTimeout
}

func (c *WSClient) reconnectBaseDelay() time.Duration {
	if c.cfg.ReconnectBaseDelay > 0 {
		return c.cfg.ReconnectBaseDelay
	}
	return constants.ReconnectBaseDelay
}

func (c *WSClient) reconnectMaxDelay() time.Duration {
	if c.cfg.ReconnectMaxDelay > 0 {
		return c.cfg.ReconnectMaxDelay
	}
	return constants.ReconnectMaxDelay
}

func (c *WSClient) maxReconnectAttempts() int {
	if c.cfg.MaxReconnectAttempts > 0 {
		return c.cfg.MaxReconnectAttempts
	}
	return constants.MaxReconnectAttempts
}
