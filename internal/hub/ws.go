package hub

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/agora/internal/event"
)

// WSConn adapts a websocket connection to the hub's Conn contract.
// Writes are serialized; gorilla permits one concurrent writer only.
type WSConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// WriteEnvelope encodes and sends one envelope as a text frame.
func (c *WSConn) WriteEnvelope(e *event.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

// Read blocks for the next inbound frame.
func (c *WSConn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("ws read: %w", err)
	}
	return data, nil
}

// Close shuts the underlying socket.
func (c *WSConn) Close() error {
	return c.ws.Close()
}
