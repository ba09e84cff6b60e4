package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TallySync/internal/backend/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrSessionNotFound = errors.New("agent session not found")

type sessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) SessionStore {
	return &sessionStore{pool: pool}
}

func (s *sessionStore) Upsert(ctx context.Context, session *models.AgentSession) error {
	query := `
		INSERT INTO agent_sessions (
			tenant_id, agent_id, connection_id, protocol, status,
			version, platform, capabilities,
			last_heartbeat_at, heartbeat_interval_ms,
			avg_response_time_ms, request_count, success_count, failure_count,
			connected_at, disconnected_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
		ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
			connection_id = EXCLUDED.connection_id,
			protocol = EXCLUDED.protocol,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			platform = EXCLUDED.platform,
			capabilities = EXCLUDED.capabilities,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			heartbeat_interval_ms = EXCLUDED.heartbeat_interval_ms,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			request_count = EXCLUDED.request_count,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			connected_at = EXCLUDED.connected_at,
			disconnected_at = EXCLUDED.disconnected_at,
			updated_at = now()
	`

	_, err := s.pool.Exec(ctx, query,
		session.TenantID,
		session.AgentID,
		session.ConnectionID,
		session.Protocol,
		session.Status,
		session.Version,
		session.Platform,
		session.Capabilities,
		session.LastHeartbeatAt,
		session.HeartbeatInterval.Milliseconds(),
		session.Performance.AvgResponseTimeMs,
		session.Performance.RequestCount,
		session.Performance.SuccessCount,
		session.Performance.FailureCount,
		session.ConnectedAt,
		session.DisconnectedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert agent session: %w", err)
	}

	return nil
}

func (s *sessionStore) UpdateHeartbeat(ctx context.Context, tenantID, agentID string, at time.Time) error {
	query := `
		UPDATE agent_sessions
		SET last_heartbeat_at = $3, updated_at = now()
		WHERE tenant_id = $1 AND agent_id = $2
	`

	result, err := s.pool.Exec(ctx, query, tenantID, agentID, at)
	if err != nil {
		return fmt.Errorf("failed to update session heartbeat: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

func (s *sessionStore) UpdateStatus(ctx context.Context, tenantID, agentID string, status models.SessionStatus) error {
	query := `
		UPDATE agent_sessions
		SET status = $3,
		    disconnected_at = CASE WHEN $3 = 'disconnected' THEN now() ELSE disconnected_at END,
		    updated_at = now()
		WHERE tenant_id = $1 AND agent_id = $2
	`

	result, err := s.pool.Exec(ctx, query, tenantID, agentID, status)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

func (s *sessionStore) ListByTenant(ctx context.Context, tenantID string) ([]*models.AgentSession, error) {
	query := `
		SELECT tenant_id, agent_id, connection_id, protocol, status,
		       version, platform, capabilities,
		       last_heartbeat_at, heartbeat_interval_ms,
		       avg_response_time_ms, request_count, success_count, failure_count,
		       connected_at, disconnected_at
		FROM agent_sessions
		WHERE tenant_id = $1
		ORDER BY last_heartbeat_at DESC
	`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var sessions []*models.AgentSession
	for rows.Next() {
		var session models.AgentSession
		var intervalMs int64
		var disconnectedAt *time.Time

		err := rows.Scan(
			&session.TenantID,
			&session.AgentID,
			&session.ConnectionID,
			&session.Protocol,
			&session.Status,
			&session.Version,
			&session.Platform,
			&session.Capabilities,
			&session.LastHeartbeatAt,
			&intervalMs,
			&session.Performance.AvgResponseTimeMs,
			&session.Performance.RequestCount,
			&session.Performance.SuccessCount,
			&session.Performance.FailureCount,
			&session.ConnectedAt,
			&disconnectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}

		session.HeartbeatInterval = time.Duration(intervalMs) * time.Millisecond
		session.DisconnectedAt = disconnectedAt
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}
