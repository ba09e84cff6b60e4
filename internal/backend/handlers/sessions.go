package handlers

import (
	"errors"
	"net/http"
	"time"

	"TallySync/internal/backend/models"
	"TallySync/internal/backend/storage"

	"github.com/gin-gonic/gin"
)

// ListSessions возвращает живые сессии тенанта с вычисленным health
func (h *Handlers) ListSessions(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	now := time.Now()

	sessions := h.registry.Sessions(tenantID)

	type sessionView struct {
		*models.AgentSession
		Health models.SessionHealth `json:"health"`
	}

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView{
			AgentSession: session,
			Health:       session.Health(now),
		})
	}

	c.JSON(http.StatusOK, SuccessResponse("sessions_list", gin.H{
		"sessions": views,
		"count":    len(views),
	}))
}

// SessionHistory история сессий тенанта из журнала аудита
func (h *Handlers) SessionHistory(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	sessions, err := h.registry.StoredSessions(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to load session history", "error", err, "tenant_id", tenantID)
		c.JSON(http.StatusInternalServerError, ErrorResponse("history_failed", "Failed to load session history"))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("session_history", gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	}))
}

// SetMaintenance операторский перевод сессии в/из maintenance
func (h *Handlers) SetMaintenance(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	agentID := c.Param("agent_id")

	var req struct {
		Enabled bool `json:"enabled"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "Invalid request body"))
		return
	}

	if err := h.registry.SetMaintenance(c.Request.Context(), tenantID, agentID, req.Enabled); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse("not_found", "Agent session not found"))
			return
		}
		h.logger.Error("failed to set maintenance", "error", err, "agent_id", agentID)
		c.JSON(http.StatusConflict, ErrorResponse("maintenance_failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("maintenance_updated", gin.H{
		"agent_id": agentID,
		"enabled":  req.Enabled,
	}))
}
