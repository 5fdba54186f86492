package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Conn serialises writes to a gorilla connection, which supports only one
// concurrent writer.
type Conn struct {
	*websocket.Conn
	mu sync.Mutex
}

// Wrap returns a Conn around c.
func Wrap(c *websocket.Conn) *Conn {
	return &Conn{Conn: c}
}

// WriteTyped sends a response envelope over the WebSocket.
func (c *Conn) WriteTyped(event Event, ref string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(ResponseEnvelope{Event: event, Ref: ref, Data: data})
}

// WriteError sends an EventError frame.
func (c *Conn) WriteError(ref, code, msg string, fields map[string]string) error {
	return c.WriteTyped(EventError, ref, ErrorBody{Code: code, Message: msg, Fields: fields})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (c *Conn) ReadJSON(v any) error {
	c.SetReadDeadline(time.Now().Add(readWait))
	return c.Conn.ReadJSON(v)
}
