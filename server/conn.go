package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// wsConn is the subset of *websocket.Conn a session needs; tests
// substitute an in-memory implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// safeConn serializes writes to a websocket and makes sends fallible by
// design: once the peer has gone, TrySend reports false instead of
// surfacing an error. A send racing a close is not a failure, it is how
// disconnects look from this side.
type safeConn struct {
	mu           sync.Mutex
	ws           wsConn
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newSafeConn(ws wsConn, writeTimeout time.Duration) *safeConn {
	return &safeConn{
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// TrySend marshals v and writes it as one text message. It returns false
// when the message could not be delivered, whatever the cause; it never
// propagates a write error. The first failed write latches the closed
// state so later sends return immediately.
func (c *safeConn) TrySend(v interface{}) bool {
	if c.closed.Load() {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return false
	}
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.closed.Store(true)
			return false
		}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return false
	}
	return true
}

// Closed reports whether a write has already observed the peer gone or
// Close ran.
func (c *safeConn) Closed() bool {
	return c.closed.Load()
}

// Close marks the connection closed and closes the socket. Safe to call
// more than once.
func (c *safeConn) Close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}
