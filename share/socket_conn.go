package wrshare

import (
	"fmt"
	"sync/atomic"

	"github.com/sammck-go/wsrelay/pkg/wstnet"
)

var nextSocketConnID int32

// SocketConn wraps an outbound wstnet.Bipipe, counting the bytes moved through it
type SocketConn struct {
	ID              int32
	strname         string
	pipe            wstnet.Bipipe
	numBytesRead    int64
	numBytesWritten int64
}

// NewSocketConn creates a new SocketConn for a Bipipe dialed to addr
func NewSocketConn(pipe wstnet.Bipipe, addr string) *SocketConn {
	id := atomic.AddInt32(&nextSocketConnID, 1)
	return &SocketConn{
		ID:      id,
		strname: fmt.Sprintf("[%d]SocketConn(%s)", id, addr),
		pipe:    pipe,
	}
}

// Read implements the Reader interface
func (c *SocketConn) Read(p []byte) (n int, err error) {
	n, err = c.pipe.Read(p)
	atomic.AddInt64(&c.numBytesRead, int64(n))
	return n, err
}

// Write implements the Writer interface
func (c *SocketConn) Write(p []byte) (n int, err error) {
	n, err = c.pipe.Write(p)
	atomic.AddInt64(&c.numBytesWritten, int64(n))
	return n, err
}

// Close closes the underlying Bipipe
func (c *SocketConn) Close() error {
	return c.pipe.Close()
}

// GetNumBytesRead returns the number of bytes read so far from the destination
func (c *SocketConn) GetNumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// GetNumBytesWritten returns the number of bytes written so far to the destination
func (c *SocketConn) GetNumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}

func (c *SocketConn) String() string {
	return c.strname
}
