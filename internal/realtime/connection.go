package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conversation-service/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// CloseSessionReplaced is sent to a connection superseded by a newer one for the same identity.
	CloseSessionReplaced = 4001

	defaultSendBuffer = 128
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("connection buffer exceeded")
)

// Conn is a live, identity-bound connection as seen by the registry.
type Conn interface {
	ID() string
	Identity() models.Identity
	Send(payload []byte) error
	Close(code int, reason string)
}

// Connection wraps a websocket and serializes outbound writes through a
// buffered queue drained by a single write loop. The write loop also owns the
// close frame, so Close never blocks on the socket.
type Connection struct {
	info ConnInfo

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}

	closeCode   int
	closeReason string
}

// NewConnection wraps ws. bufferSize <= 0 falls back to the default queue size.
func NewConnection(ws *websocket.Conn, info ConnInfo, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &Connection{
		info:   info,
		ws:     ws,
		send:   make(chan []byte, bufferSize),
		closed: make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.info.ConnID }

func (c *Connection) Identity() models.Identity { return c.info.Identity }

func (c *Connection) Info() ConnInfo { return c.info }

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A client that cannot keep up with its queue is
// disconnected instead of blocking the sender.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close marks the connection closed and hands the close frame to the write
// loop. Safe to call repeatedly and from any goroutine.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.teardown()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// teardown runs on the write loop once closed is signalled.
func (c *Connection) teardown() {
	<-c.closed
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(writeWait))
	_ = c.ws.Close()
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
