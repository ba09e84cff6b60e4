package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // агенты приходят с десктопов, Origin не проверяем
	},
}

// AgentWebSocket апгрейдит соединение агента и передает его hub'у.
// Дальше всем владеет транспортный слой: handshake, heartbeat, разрыв.
func (h *Handlers) AgentWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade to websocket", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse("websocket_failed", "Failed to establish WebSocket connection"))
		return
	}

	h.logger.Info("agent websocket connected", "remote", conn.RemoteAddr().String())

	h.hub.HandleConnection(conn)
}
