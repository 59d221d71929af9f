package wstnet

import (
	"io"
)

// Bipipe is a byte-oriented, bidirectional stream "socket" to a destination service, typically
// a raw TCP connection opened on behalf of a relayed client.
//
// The Bipipe interface intentionally overlaps with net.Conn, so that a net.Conn can be used as a
// Bipipe without wrapping. Read() returns io.EOF when the remote end has finished sending.
// Close() may be called while a Read() or Write() is blocked in another goroutine, and must cause
// that call to return promptly with an error.
type Bipipe interface {
	io.ReadWriteCloser
}
