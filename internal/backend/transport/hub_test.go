package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TallySync/internal/backend/models"
	"TallySync/internal/backend/services"
	"TallySync/internal/config"
	sharedmodels "TallySync/internal/shared/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nullSessionStore — хабу в тестах аудит не нужен
type nullSessionStore struct{}

func (nullSessionStore) Upsert(ctx context.Context, session *models.AgentSession) error { return nil }
func (nullSessionStore) UpdateHeartbeat(ctx context.Context, tenantID, agentID string, at time.Time) error {
	return nil
}
func (nullSessionStore) UpdateStatus(ctx context.Context, tenantID, agentID string, status models.SessionStatus) error {
	return nil
}
func (nullSessionStore) ListByTenant(ctx context.Context, tenantID string) ([]*models.AgentSession, error) {
	return nil, nil
}

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()

	registry := services.NewRegistryService(nullSessionStore{}, services.RegistryConfig{
		HeartbeatInterval: 30 * time.Second,
	}, slog.Default())

	hub := NewHub(registry, config.TransportConfig{
		HeartbeatInterval: 30 * time.Second,
		RegisterTimeout:   time.Second,
	}, "valid-secret", slog.Default())

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.HandleConnection(ws)
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAndRegister(t *testing.T, url, token string) (*websocket.Conn, *sharedmodels.RegisterAckPayload) {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	msg, err := sharedmodels.NewMessage(sharedmodels.MessageTypeRegister, "agent-1", sharedmodels.RegisterPayload{
		AgentID:  "agent-1",
		TenantID: "tenant-1",
		Token:    token,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))

	ws.SetReadDeadline(time.Now().Add(time.Second))
	var reply sharedmodels.Message
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, sharedmodels.MessageTypeRegisterAck, reply.Type)

	var ack sharedmodels.RegisterAckPayload
	require.NoError(t, reply.DecodeData(&ack))
	return ws, &ack
}

func TestRegisterAccepted(t *testing.T) {
	_, url := newTestHub(t)

	_, ack := dialAndRegister(t, url, "valid-secret")
	assert.True(t, ack.Accepted)
	assert.NotEmpty(t, ack.ConnectionID)
	assert.Greater(t, ack.HeartbeatIntervalMs, int64(0))
}

// Отказ в регистрации должен дойти до агента с причиной, а не
// выглядеть как молчаливый обрыв
func TestRegisterRejectedAckReachesAgent(t *testing.T) {
	_, url := newTestHub(t)

	ws, ack := dialAndRegister(t, url, "wrong-token")
	assert.False(t, ack.Accepted)
	assert.NotEmpty(t, ack.Reason)

	// После nack сервер закрывает сокет
	ws.SetReadDeadline(time.Now().Add(time.Second))
	var next sharedmodels.Message
	assert.Error(t, ws.ReadJSON(&next))
}
