package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// socket is the part of *websocket.Conn a Connection writes through.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one authenticated socket of a user. A user may hold several.
type Connection struct {
	ID        string
	UserID    uuid.UUID
	CreatedAt time.Time

	sock      socket
	send      chan []byte
	done      chan struct{}
	alive     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConnection(userID uuid.UUID, sock socket, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 256
	}
	c := &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		sock:      sock,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// IsOpen reports whether the connection can still take frames.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// Send encodes f and queues it without blocking. It returns false when the
// connection is closed or its buffer is full.
func (c *Connection) Send(f Frame) bool {
	b, err := f.encode()
	if err != nil {
		return false
	}
	return c.enqueue(b)
}

func (c *Connection) enqueue(b []byte) bool {
	if !c.IsOpen() {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// MarkAlive records liveness evidence (a pong or an application ping).
func (c *Connection) MarkAlive() {
	c.alive.Store(true)
}

// ping clears the alive flag and sends a ping. It returns false when no
// liveness was seen since the previous ping.
func (c *Connection) ping() bool {
	if !c.alive.Swap(false) {
		return false
	}
	if c.sock != nil {
		_ = c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	}
	return true
}

// Terminate closes the socket without a close handshake. Safe to call repeatedly.
func (c *Connection) Terminate() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if c.sock != nil {
			_ = c.sock.Close()
		}
	})
}

// writePump is the only goroutine writing data frames to the socket.
func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Terminate()
				return
			}
		}
	}
}
