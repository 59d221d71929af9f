package wrshare

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeFrameTimeout bounds the best-effort close frame sent when a channel is released
const closeFrameTimeout = time.Second

// MessageConn is the message-oriented duplex transport underneath a MessageChannel.
// *websocket.Conn implements it.
type MessageConn interface {
	// ReadMessage blocks until the next data message arrives. A *websocket.CloseError or
	// io.EOF indicates that the peer closed the connection.
	ReadMessage() (messageType int, p []byte, err error)

	// WriteMessage sends a single message
	WriteMessage(messageType int, data []byte) error

	// WriteControl sends a control message. It may be called concurrently with WriteMessage.
	WriteControl(messageType int, data []byte, deadline time.Time) error

	// Close releases the connection without waiting for a close handshake
	Close() error
}

// MessageChannel presents a MessageConn as a single cancellable, lazily produced sequence of byte
// chunks. If early data was supplied it is the first chunk, followed by one chunk per
// message in the order the transport delivered them. No reordering or coalescing is done.
//
// Next is meant to be called by a single consumer goroutine. Send, Cancel and IsCancelled may
// be called from any goroutine.
type MessageChannel struct {
	Logger
	conn      MessageConn
	earlyData []byte

	// cancelled is the cancellation latch; 0 until the first Cancel
	cancelled int32

	// readErr is the sticky terminal error from the transport, only touched by Next
	readErr error

	releaseOnce sync.Once
	releaseErr  error

	writeLock sync.Mutex
}

// NewMessageChannel wraps conn. earlyData is a base64 token (see DecodeEarlyData) that is
// decoded immediately; an invalid token is an error and conn is left untouched.
func NewMessageChannel(logger Logger, conn MessageConn, earlyData string) (*MessageChannel, error) {
	data, err := DecodeEarlyData(earlyData)
	if err != nil {
		return nil, err
	}
	c := &MessageChannel{
		Logger: logger,
		conn:   conn,
	}
	if len(data) > 0 {
		c.earlyData = data
		c.DLogf("Received %d bytes of early data", len(data))
	}
	return c, nil
}

// Next returns the next chunk from the client. It returns io.EOF when the sequence ends
// normally (the peer closed the channel, or the channel was cancelled) and a
// *TransportReadError if the transport failed. Once Next has returned an error, every
// later call returns the same error without touching the transport.
func (c *MessageChannel) Next() ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	if c.earlyData != nil {
		data := c.earlyData
		c.earlyData = nil
		if !c.IsCancelled() {
			return data, nil
		}
	}
	for {
		if c.IsCancelled() {
			c.readErr = io.EOF
			return nil, c.readErr
		}
		messageType, p, err := c.conn.ReadMessage()
		if err != nil {
			if c.IsCancelled() {
				c.readErr = io.EOF
			} else if isCloseEvent(err) {
				c.DLogf("Message channel closed by peer: %s", err)
				c.release()
				c.readErr = io.EOF
			} else {
				c.DLogf("Message channel has error: %s", err)
				c.readErr = &TransportReadError{Source: "client", Err: err}
			}
			return nil, c.readErr
		}
		if c.IsCancelled() {
			continue
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		c.TLogf("Received %d byte message", len(p))
		return p, nil
	}
}

// Send writes p to the client as one binary message
func (c *MessageChannel) Send(p []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if c.IsCancelled() {
		return ErrSessionClosed
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

// Cancel stops the sequence. Subsequent messages are dropped, pending and future calls to
// Next return io.EOF, and the underlying connection is released. Only the first call has
// any effect.
func (c *MessageChannel) Cancel(reason error) {
	if !atomic.CompareAndSwapInt32(&c.cancelled, 0, 1) {
		return
	}
	if reason != nil {
		c.DLogf("Message channel was cancelled, due to %s", reason)
	} else {
		c.DLogf("Message channel was cancelled")
	}
	c.release()
}

// IsCancelled returns true once Cancel has been called
func (c *MessageChannel) IsCancelled() bool {
	return atomic.LoadInt32(&c.cancelled) != 0
}

// release closes the underlying connection exactly once, after a best-effort close frame
func (c *MessageChannel) release() error {
	c.releaseOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout))
		if err != nil {
			c.TLogf("Close frame not sent, ignoring: %s", err)
		}
		c.releaseErr = c.conn.Close()
	})
	return c.releaseErr
}

func isCloseEvent(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, io.EOF)
}
