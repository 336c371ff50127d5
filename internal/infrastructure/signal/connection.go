package signal

import (
	"sync"
	"time"

	"visiocall/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// connection owns one websocket. Everything written to the socket goes
// through send so that replies and pushed events keep their order.
type connection struct {
	id       domain.ConnectionID
	ws       *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	openedAt time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(id domain.ConnectionID, ws *websocket.Conn, queueSize int, limiter *rate.Limiter) *connection {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &connection{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, queueSize),
		limiter:  limiter,
		openedAt: time.Now(),
		closed:   make(chan struct{}),
	}
}

// enqueue never blocks. A full queue means the peer cannot keep up and the
// caller is expected to close the connection.
func (c *connection) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close is safe to call from any goroutine. Closing the socket unblocks the
// reader, which then runs the disconnect cleanup.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

func (c *connection) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// writePump is the only writer of the socket.
func (c *connection) writePump(pingInterval, writeTimeout time.Duration, logger *zap.SugaredLogger) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debugw("write failed", "connection_id", c.id, "error", err)
				c.close()
				return
			}

		case <-pingTicker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debugw("error sending ping", "connection_id", c.id, "error", err)
				c.close()
				return
			}

		case <-c.closed:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

// Hub tracks live connections and delivers events to them. It is the
// EventDispatcher used by the signaling service.
type Hub struct {
	connections *xsync.MapOf[domain.ConnectionID, *connection]
	logger      *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		connections: xsync.NewMapOf[domain.ConnectionID, *connection](),
		logger:      logger,
	}
}

func (h *Hub) add(c *connection) {
	h.connections.Store(c.id, c)
}

func (h *Hub) remove(id domain.ConnectionID) {
	h.connections.Delete(id)
}

// Deliver queues event on the connection. A connection whose queue is full
// is closed; its reader then performs the usual disconnect cleanup.
func (h *Hub) Deliver(connID domain.ConnectionID, event domain.Event) bool {
	c, ok := h.connections.Load(connID)
	if !ok {
		return false
	}

	frame, err := encodeEvent(event)
	if err != nil {
		h.logger.Errorw("failed to encode event", "event", event.Type, "error", err)
		return false
	}
	return h.push(c, frame)
}

func (h *Hub) push(c *connection, frame []byte) bool {
	if c.enqueue(frame) {
		return true
	}
	select {
	case <-c.closed:
	default:
		h.logger.Warnw("send queue full, closing connection", "connection_id", c.id)
		c.close()
	}
	return false
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	return h.connections.Size()
}

// CloseAll closes every connection. Used on shutdown.
func (h *Hub) CloseAll() {
	h.connections.Range(func(_ domain.ConnectionID, c *connection) bool {
		c.close()
		return true
	})
}
