// Package transport implements the WebSocket shell that carries the sync
// protocol: HTTP-to-WebSocket upgrade, per-connection read/write pumps,
// bounded outbound queues, and rate limiting, per spec §6.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/vitaliisemenov/syncengine/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
	outboundQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection is one live WebSocket connection, implementing
// viewsyncer.ClientHandler. It owns a bounded outbound queue drained by a
// single writer goroutine and a read pump that decodes inbound frames
// onto Inbound, mirroring the teacher's register/unregister/broadcast
// WebSocketHub shape collapsed onto a single connection's own channels
// instead of a shared hub map.
type Connection struct {
	conn   *websocket.Conn
	wsid   string
	clientID string

	outbound chan protocol.Frame
	Inbound  chan protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}

	logger *slog.Logger
}

// NewConnection upgrades r into a WebSocket connection and starts its
// read/write pumps. clientID identifies the owning client per the
// connection URL; wsid defaults to a fresh UUID when empty.
func NewConnection(w http.ResponseWriter, r *http.Request, clientID, wsid string, logger *slog.Logger) (*Connection, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if wsid == "" {
		wsid = uuid.NewString()
	}
	wsConn.SetReadLimit(maxMessageSize)

	c := &Connection{
		conn:     wsConn,
		wsid:     wsid,
		clientID: clientID,
		outbound: make(chan protocol.Frame, outboundQueueSize),
		Inbound:  make(chan protocol.Frame, outboundQueueSize),
		closed:   make(chan struct{}),
		logger:   logger.With("clientID", clientID, "wsid", wsid),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

// ClientID satisfies viewsyncer.ClientHandler.
func (c *Connection) ClientID() string { return c.clientID }

// Enqueue satisfies viewsyncer.ClientHandler: a non-blocking send, false
// when the outbound queue is full (a slow consumer).
func (c *Connection) Enqueue(frame protocol.Frame) bool {
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// Disconnect satisfies viewsyncer.ClientHandler: sends reason on the error
// tag, best-effort, then closes the connection.
func (c *Connection) Disconnect(reason *protocol.ErrorPayload) {
	if reason != nil {
		body, err := json.Marshal(reason)
		if err == nil {
			select {
			case c.outbound <- protocol.Frame{Tag: protocol.TagError, Body: body}:
			default:
			}
		}
	}
	c.Close()
}

// Close terminates the connection and its pumps, idempotently.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Done is closed once the connection has terminated.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("marshal outbound frame", "tag", frame.Tag, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed, closing connection", "error", err)
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer c.Close()
	defer close(c.Inbound)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected close", "error", err)
			}
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("invalid frame, dropping connection", "error", err)
			c.Disconnect(protocol.NewError(protocol.KindInvalidMessage, "malformed frame"))
			return
		}
		select {
		case c.Inbound <- frame:
		case <-c.closed:
			return
		}
	}
}
