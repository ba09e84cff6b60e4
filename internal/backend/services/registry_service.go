package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"TallySync/internal/backend/metrics"
	"TallySync/internal/backend/models"
	"TallySync/internal/backend/storage"
	"TallySync/internal/shared/constants"
)

// SessionObserver получает уведомления о разрывах сессий.
// Один producer (реестр), N подписчиков; порядок вызова — порядок подписки.
type SessionObserver interface {
	SessionDisconnected(session *models.AgentSession)
}

type sessionEntry struct {
	session *models.AgentSession
	closer  func() // тушит транспорт сессии; владеет им транспортный слой
}

// RegistryService реестр живых сессий агентов: одна запись на (tenant, agent).
// Живое состояние в памяти, write-through в SessionStore для аудита.
type RegistryService struct {
	mu        sync.Mutex
	sessions  map[string]*sessionEntry // key: tenantID/agentID
	byConn    map[string]string        // connectionID -> key
	observers []SessionObserver

	store             storage.SessionStore
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

type RegistryConfig struct {
	HeartbeatInterval time.Duration
}

func NewRegistryService(store storage.SessionStore, cfg RegistryConfig, logger *slog.Logger) *RegistryService {
	interval := cfg.HeartbeatInterval
	if interval == 0 {
		interval = constants.HeartbeatInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RegistryService{
		sessions:          make(map[string]*sessionEntry),
		byConn:            make(map[string]string),
		store:             store,
		heartbeatInterval: interval,
		logger:            logger,
	}
}

// Subscribe добавляет подписчика на разрывы сессий. Вызывается до старта.
func (s *RegistryService) Subscribe(observer SessionObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

func sessionKey(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

// Register регистрирует новую сессию. Повторная регистрация того же агента
// вытесняет предыдущее соединение (last writer wins для физических
// соединений): старая сессия принудительно переводится в disconnected.
func (s *RegistryService) Register(ctx context.Context, session *models.AgentSession, closer func()) error {
	if session.TenantID == "" || session.AgentID == "" {
		return fmt.Errorf("tenant id and agent id are required")
	}

	session.Status = models.SessionConnected
	session.Protocol = "duplex-socket"
	session.ConnectedAt = time.Now()
	session.LastHeartbeatAt = session.ConnectedAt
	if session.HeartbeatInterval == 0 {
		session.HeartbeatInterval = s.heartbeatInterval
	}

	key := sessionKey(session.TenantID, session.AgentID)

	s.mu.Lock()
	old, exists := s.sessions[key]
	if exists && old.session.Status == models.SessionConnected {
		s.logger.Warn("duplicate registration, evicting previous session",
			"tenant_id", session.TenantID,
			"agent_id", session.AgentID,
			"old_connection_id", old.session.ConnectionID,
			"new_connection_id", session.ConnectionID,
		)
		old.session.Status = models.SessionDisconnected
		now := time.Now()
		old.session.DisconnectedAt = &now
		delete(s.byConn, old.session.ConnectionID)
	}

	s.sessions[key] = &sessionEntry{session: session, closer: closer}
	s.byConn[session.ConnectionID] = key
	evicted := exists && old.closer != nil
	var oldCloser func()
	var oldCopy models.AgentSession
	if evicted {
		oldCloser = old.closer
		oldCopy = *old.session
	}
	connected := s.countConnectedLocked()
	s.mu.Unlock()

	metrics.SetConnectedAgents(connected)

	if evicted {
		// Закрываем старый транспорт вне лока
		go oldCloser()
		s.notifyDisconnected(&oldCopy)
	}

	if err := s.store.Upsert(ctx, session); err != nil {
		s.logger.Error("failed to persist session registration",
			"error", err,
			"tenant_id", session.TenantID,
			"agent_id", session.AgentID,
		)
		// Живая сессия важнее записи аудита, не прерываем регистрацию
	}

	s.logger.Info("agent session registered",
		"tenant_id", session.TenantID,
		"agent_id", session.AgentID,
		"connection_id", session.ConnectionID,
		"capabilities", session.Capabilities,
	)

	return nil
}

// Heartbeat обновляет отметку живости сессии
func (s *RegistryService) Heartbeat(ctx context.Context, tenantID, agentID string) error {
	now := time.Now()

	s.mu.Lock()
	entry, ok := s.sessions[sessionKey(tenantID, agentID)]
	// Maintenance держит транспорт открытым и продолжает пинговать;
	// без учета этих heartbeat sweep снесет живую сессию после выхода
	if !ok || (entry.session.Status != models.SessionConnected &&
		entry.session.Status != models.SessionMaintenance) {
		s.mu.Unlock()
		return storage.ErrSessionNotFound
	}
	entry.session.LastHeartbeatAt = now
	s.mu.Unlock()

	if err := s.store.UpdateHeartbeat(ctx, tenantID, agentID, now); err != nil {
		s.logger.Warn("failed to persist heartbeat",
			"error", err,
			"tenant_id", tenantID,
			"agent_id", agentID,
		)
	}

	return nil
}

// RecordResult обновляет счетчики производительности сессии
func (s *RegistryService) RecordResult(tenantID, agentID string, success bool, responseTimeMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionKey(tenantID, agentID)]
	if !ok {
		return
	}

	entry.session.Performance.RecordResult(success, responseTimeMs)
}

// Disconnect переводит сессию соединения в disconnected (явное закрытие
// или протокольная ошибка через error -> disconnected)
func (s *RegistryService) Disconnect(ctx context.Context, connectionID string, reason string) {
	s.mu.Lock()
	key, ok := s.byConn[connectionID]
	if !ok {
		s.mu.Unlock()
		return
	}

	entry := s.sessions[key]
	now := time.Now()
	entry.session.Status = models.SessionDisconnected
	entry.session.DisconnectedAt = &now
	delete(s.byConn, connectionID)
	sessionCopy := *entry.session
	connected := s.countConnectedLocked()
	s.mu.Unlock()

	metrics.SetConnectedAgents(connected)

	s.logger.Info("agent session disconnected",
		"tenant_id", sessionCopy.TenantID,
		"agent_id", sessionCopy.AgentID,
		"connection_id", connectionID,
		"reason", reason,
	)

	if err := s.store.UpdateStatus(ctx, sessionCopy.TenantID, sessionCopy.AgentID, models.SessionDisconnected); err != nil {
		s.logger.Warn("failed to persist session disconnect", "error", err)
	}

	s.notifyDisconnected(&sessionCopy)
}

// SetMaintenance принудительное операторское состояние: блокирует выдачу
// задач, не закрывая транспорт
func (s *RegistryService) SetMaintenance(ctx context.Context, tenantID, agentID string, on bool) error {
	s.mu.Lock()
	entry, ok := s.sessions[sessionKey(tenantID, agentID)]
	if !ok {
		s.mu.Unlock()
		return storage.ErrSessionNotFound
	}

	if on {
		if entry.session.Status != models.SessionConnected {
			s.mu.Unlock()
			return fmt.Errorf("cannot enter maintenance from status %s", entry.session.Status)
		}
		entry.session.Status = models.SessionMaintenance
	} else {
		if entry.session.Status != models.SessionMaintenance {
			s.mu.Unlock()
			return fmt.Errorf("session is not in maintenance")
		}
		entry.session.Status = models.SessionConnected
	}
	status := entry.session.Status
	s.mu.Unlock()

	if err := s.store.UpdateStatus(ctx, tenantID, agentID, status); err != nil {
		s.logger.Warn("failed to persist maintenance transition", "error", err)
	}

	return nil
}

// ConnectedSession возвращает копию connected сессии тенанта, если есть
func (s *RegistryService) ConnectedSession(tenantID string) *models.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.sessions {
		if entry.session.TenantID == tenantID && entry.session.Status == models.SessionConnected {
			sessionCopy := *entry.session
			return &sessionCopy
		}
	}

	return nil
}

// ConnectedTenants список тенантов с connected сессией — вход планировщика
func (s *RegistryService) ConnectedTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var tenants []string
	for _, entry := range s.sessions {
		if entry.session.Status == models.SessionConnected && !seen[entry.session.TenantID] {
			seen[entry.session.TenantID] = true
			tenants = append(tenants, entry.session.TenantID)
		}
	}

	return tenants
}

// Sessions снапшоты живых сессий тенанта для status API
func (s *RegistryService) Sessions(tenantID string) []*models.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []*models.AgentSession
	for _, entry := range s.sessions {
		if entry.session.TenantID == tenantID {
			sessionCopy := *entry.session
			sessions = append(sessions, &sessionCopy)
		}
	}

	return sessions
}

// CleanupStale переводит в disconnected все connected сессии без heartbeat
// дольше 5x интервала. Возвращает число вычищенных сессий.
func (s *RegistryService) CleanupStale(ctx context.Context) int {
	now := time.Now()

	s.mu.Lock()
	var stale []*sessionEntry
	for _, entry := range s.sessions {
		if entry.session.Stale(now, constants.StaleHeartbeatFactor) {
			entry.session.Status = models.SessionDisconnected
			entry.session.DisconnectedAt = &now
			delete(s.byConn, entry.session.ConnectionID)
			stale = append(stale, entry)
		}
	}
	copies := make([]models.AgentSession, len(stale))
	closers := make([]func(), len(stale))
	for i, entry := range stale {
		copies[i] = *entry.session
		closers[i] = entry.closer
	}
	connected := s.countConnectedLocked()
	s.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}

	metrics.SetConnectedAgents(connected)

	for i := range copies {
		sessionCopy := copies[i]

		s.logger.Warn("stale session forced to disconnected",
			"tenant_id", sessionCopy.TenantID,
			"agent_id", sessionCopy.AgentID,
			"connection_id", sessionCopy.ConnectionID,
			"last_heartbeat_at", sessionCopy.LastHeartbeatAt,
			"heartbeat_interval", sessionCopy.HeartbeatInterval,
		)

		if closers[i] != nil {
			go closers[i]()
		}

		if err := s.store.UpdateStatus(ctx, sessionCopy.TenantID, sessionCopy.AgentID, models.SessionDisconnected); err != nil {
			s.logger.Warn("failed to persist stale disconnect", "error", err)
		}

		s.notifyDisconnected(&sessionCopy)
	}

	return len(copies)
}

// RunCleanup запускает периодическую чистку независимо от таймеров сессий
func (s *RegistryService) RunCleanup(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = constants.StaleSweepInterval
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session cleanup loop stopped")
			return
		case <-ticker.C:
			if cleaned := s.CleanupStale(ctx); cleaned > 0 {
				s.logger.Info("stale session sweep finished", "cleaned", cleaned)
			}
		}
	}
}

// StoredSessions история сессий тенанта из аудита (включая отключенные)
func (s *RegistryService) StoredSessions(ctx context.Context, tenantID string) ([]*models.AgentSession, error) {
	return s.store.ListByTenant(ctx, tenantID)
}

func (s *RegistryService) countConnectedLocked() int {
	count := 0
	for _, entry := range s.sessions {
		if entry.session.Status == models.SessionConnected {
			count++
		}
	}
	return count
}

func (s *RegistryService) notifyDisconnected(session *models.AgentSession) {
	s.mu.Lock()
	observers := make([]SessionObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, observer := range observers {
		observer.SessionDisconnected(session)
	}
}
