package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remembr/memorial-call/internal/model"
)

const (
	FrameStatus = "status"
	FrameError  = "error"

	writeWait = 10 * time.Second
)

var errChannelClosed = errors.New("channel closed")

// Frame is the outbound wire message.
type Frame struct {
	Type       string    `json:"type"`
	SessionKey string    `json:"sessionKey"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type ErrorData struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Status  model.SessionStatus `json:"status,omitempty"`
}

// Channel is one live connection as seen by the gateway.
type Channel interface {
	ID() string
	Send(f Frame) error
	Close(code int, reason string) error
}

type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// wsChannel serializes writes to a websocket; gorilla allows one concurrent writer.
type wsChannel struct {
	id   string
	conn wsConn

	mu     sync.Mutex
	closed bool
}

func newWSChannel(id string, conn wsConn) *wsChannel {
	return &wsChannel{id: id, conn: conn}
}

func (c *wsChannel) ID() string {
	return c.id
}

func (c *wsChannel) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and releases the socket. Later calls are no-ops.
func (c *wsChannel) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	return c.conn.Close()
}

func (c *wsChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
