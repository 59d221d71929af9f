package wrshare

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a client-side websocket to a net.Conn byte stream. Each Write
// is sent as one binary message; Read drains messages in order, buffering the part
// of a message that did not fit in the caller's buffer.
type WebSocketConn struct {
	*websocket.Conn
	buff []byte
}

// NewWebSocketConn wraps ws
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: ws}
}

// Read implements the Reader interface. A closed websocket reads as io.EOF.
func (c *WebSocketConn) Read(dst []byte) (int, error) {
	for len(c.buff) == 0 {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			if isCloseEvent(err) {
				return 0, io.EOF
			}
			return 0, err
		}
		c.buff = msg
	}
	n := copy(dst, c.buff)
	c.buff = c.buff[n:]
	return n, nil
}

// Write implements the Writer interface
func (c *WebSocketConn) Write(b []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// SetDeadline sets both the read and write deadlines
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
