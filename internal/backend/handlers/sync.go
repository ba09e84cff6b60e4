package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"TallySync/internal/backend/models"
	"TallySync/internal/backend/storage"

	"github.com/gin-gonic/gin"
)

// GetTask возвращает задачу синхронизации с причиной последней ошибки
func (h *Handlers) GetTask(c *gin.Context) {
	taskID := c.Param("id")

	task, err := h.syncService.GetTask(c.Request.Context(), taskID)
	if err != nil {
		h.logger.Error("failed to get sync task", "error", err, "task_id", taskID)
		c.JSON(http.StatusInternalServerError, ErrorResponse("get_failed", "Failed to get sync task"))
		return
	}

	if task == nil {
		c.JSON(http.StatusNotFound, ErrorResponse("not_found", "Sync task not found"))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("task_found", gin.H{
		"task": task,
	}))
}

// ListTasks список задач тенанта с фильтром по статусу
func (h *Handlers) ListTasks(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	status := models.SyncStatus(c.Query("status"))

	var query struct {
		Limit  int `form:"limit,default=50"`
		Offset int `form:"offset,default=0"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "Invalid pagination parameters"))
		return
	}

	tasks, err := h.syncService.ListTasks(c.Request.Context(), tenantID, status, query.Limit, query.Offset)
	if err != nil {
		h.logger.Error("failed to list sync tasks", "error", err, "tenant_id", tenantID)
		c.JSON(http.StatusInternalServerError, ErrorResponse("list_failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("tasks_list", gin.H{
		"tasks": tasks,
		"count": len(tasks),
	}))
}

// ListConflicts очередь неразрешенных конфликтов тенанта
func (h *Handlers) ListConflicts(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	conflicts, err := h.syncService.ListConflicts(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list conflicts", "error", err, "tenant_id", tenantID)
		c.JSON(http.StatusInternalServerError, ErrorResponse("list_failed", "Failed to list conflicts"))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("conflicts_list", gin.H{
		"conflicts": conflicts,
		"count":     len(conflicts),
	}))
}

// ResolveConflict применяет выбранную оператором стратегию
func (h *Handlers) ResolveConflict(c *gin.Context) {
	taskID := c.Param("id")

	var req struct {
		Strategy   string          `json:"strategy" binding:"required"`
		ResolvedBy string          `json:"resolved_by" binding:"required"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "strategy and resolved_by are required"))
		return
	}

	resolved, err := h.syncService.ResolveConflict(
		c.Request.Context(),
		taskID,
		models.ResolutionStrategy(req.Strategy),
		req.ResolvedBy,
		req.Payload,
	)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse("not_found", "Sync task not found"))
		case errors.Is(err, storage.ErrNotInConflict):
			c.JSON(http.StatusConflict, ErrorResponse("not_in_conflict", "Task is not in conflict state"))
		case errors.Is(err, storage.ErrPayloadMissing):
			c.JSON(http.StatusBadRequest, ErrorResponse("payload_required", "Chosen strategy requires a payload"))
		default:
			h.logger.Error("failed to resolve conflict", "error", err, "task_id", taskID)
			c.JSON(http.StatusInternalServerError, ErrorResponse("resolve_failed", err.Error()))
		}
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("conflict_resolved", gin.H{
		"task": resolved,
	}))
}

// RequestSync ручной запуск синхронизации (кнопка sync now)
func (h *Handlers) RequestSync(c *gin.Context) {
	var req models.SyncTrigger

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "Invalid request body"))
		return
	}

	if req.TenantID == "" || req.EntityType == "" || req.EntityID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "tenant_id, entity_type and entity_id are required"))
		return
	}

	if err := h.syncService.RequestSync(c.Request.Context(), &req); err != nil {
		h.logger.Error("failed to request sync", "error", err, "tenant_id", req.TenantID)
		c.JSON(http.StatusInternalServerError, ErrorResponse("request_failed", "Failed to request sync"))
		return
	}

	c.JSON(http.StatusAccepted, SuccessResponse("sync_requested", gin.H{
		"tenant_id":   req.TenantID,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
	}))
}

// GetStats снимок состояния движка; не блокирует цикл синхронизации
func (h *Handlers) GetStats(c *gin.Context) {
	stats, err := h.syncService.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to collect sync stats", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse("stats_failed", "Failed to collect stats"))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("sync_stats", stats))
}
