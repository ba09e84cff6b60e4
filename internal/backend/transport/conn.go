package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"TallySync/internal/shared/models"

	"github.com/gorilla/websocket"
)

// agentConn одно физическое websocket-соединение с агентом.
// Исходящие сообщения идут через единственный упорядоченный канал,
// поэтому доставка агенту строго FIFO.
type agentConn struct {
	id       string
	tenantID string
	agentID  string

	ws           *websocket.Conn
	send         chan *models.Message
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *slog.Logger
}

func newAgentConn(id string, ws *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *agentConn {
	return &agentConn{
		id:           id,
		ws:           ws,
		send:         make(chan *models.Message, 64),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// enqueue ставит сообщение в исходящую очередь соединения
func (c *agentConn) enqueue(msg *models.Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s is closed", c.id)
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("outbound queue full for connection %s", c.id)
	}
}

// writePump единственный писатель в сокет
func (c *agentConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed",
					"connection_id", c.id,
					"agent_id", c.agentID,
					"error", err,
				)
				c.close()
				return
			}
		}
	}
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
