package wrshare

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prep/socketpair"
	"github.com/sammck-go/wsrelay/pkg/wstnet"
)

const testTimeout = 5 * time.Second

type fakeMessage struct {
	messageType int
	data        []byte
	err         error
}

// fakeMessageConn is an in-memory MessageConn. Messages pushed by the test are returned by
// ReadMessage in order; messages written by the code under test are delivered on sent.
type fakeMessageConn struct {
	incoming    chan fakeMessage
	sent        chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	closeCount  int32
	closeFrames int32
	reads       int32
}

func newFakeMessageConn() *fakeMessageConn {
	return &fakeMessageConn{
		incoming: make(chan fakeMessage, 64),
		sent:     make(chan []byte, 1024),
		closed:   make(chan struct{}),
	}
}

func (c *fakeMessageConn) push(data []byte) {
	c.incoming <- fakeMessage{messageType: websocket.BinaryMessage, data: data}
}

func (c *fakeMessageConn) pushType(messageType int, data []byte) {
	c.incoming <- fakeMessage{messageType: messageType, data: data}
}

func (c *fakeMessageConn) pushClose() {
	c.incoming <- fakeMessage{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
}

func (c *fakeMessageConn) pushErr(err error) {
	c.incoming <- fakeMessage{err: err}
}

func (c *fakeMessageConn) ReadMessage() (int, []byte, error) {
	atomic.AddInt32(&c.reads, 1)
	select {
	case m := <-c.incoming:
		return m.messageType, m.data, m.err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeMessageConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	p := make([]byte, len(data))
	copy(p, data)
	c.sent <- p
	return nil
}

func (c *fakeMessageConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType == websocket.CloseMessage {
		atomic.AddInt32(&c.closeFrames, 1)
	}
	return nil
}

func (c *fakeMessageConn) Close() error {
	atomic.AddInt32(&c.closeCount, 1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeMessageConn) numCloses() int32 {
	return atomic.LoadInt32(&c.closeCount)
}

// waitSent returns the next message written to the client
func (c *fakeMessageConn) waitSent(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-c.sent:
		return p
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a message to the client")
		return nil
	}
}

// waitClosed blocks until the connection has been closed
func (c *fakeMessageConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for the client connection to close")
	}
}

// countingPipe counts calls to Close on an outbound connection
type countingPipe struct {
	net.Conn
	closes int32
}

func (p *countingPipe) Close() error {
	atomic.AddInt32(&p.closes, 1)
	return p.Conn.Close()
}

func (p *countingPipe) numCloses() int32 {
	return atomic.LoadInt32(&p.closes)
}

// faultyPipe is an outbound connection with scripted failures. A Read with readErr unset
// blocks until Close. If blockWrite is set, Write signals writing and then blocks until Close.
type faultyPipe struct {
	readErr    error
	writeErr   error
	writeN     int
	blockWrite bool

	writing    chan struct{}
	writeOnce  sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
	closeCount int32
}

func newFaultyPipe() *faultyPipe {
	return &faultyPipe{
		writing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (p *faultyPipe) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	<-p.closed
	return 0, net.ErrClosed
}

func (p *faultyPipe) Write(b []byte) (int, error) {
	if p.blockWrite {
		p.writeOnce.Do(func() { close(p.writing) })
		<-p.closed
		return 0, net.ErrClosed
	}
	if p.writeErr != nil {
		n := p.writeN
		if n > len(b) {
			n = len(b)
		}
		return n, p.writeErr
	}
	return len(b), nil
}

func (p *faultyPipe) Close() error {
	atomic.AddInt32(&p.closeCount, 1)
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *faultyPipe) numCloses() int32 {
	return atomic.LoadInt32(&p.closeCount)
}

// dialerFor returns a dialer that always hands out pipe
func dialerFor(pipe wstnet.Bipipe) wstnet.BipipeDialer {
	return wstnet.BipipeDialerFunc(func(ctx context.Context, host string, port uint16) (wstnet.Bipipe, error) {
		return pipe, nil
	})
}

// pairDialer is a BipipeDialer that connects each dial to one end of a socket pair. The
// other end is delivered on remotes.
type pairDialer struct {
	lock    sync.Mutex
	dials   []string
	pipes   []*countingPipe
	remotes chan net.Conn
	err     error
}

func newPairDialer() *pairDialer {
	return &pairDialer{remotes: make(chan net.Conn, 8)}
}

func (d *pairDialer) DialContext(ctx context.Context, host string, port uint16) (wstnet.Bipipe, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.dials = append(d.dials, net.JoinHostPort(host, strconv.Itoa(int(port))))
	if d.err != nil {
		return nil, d.err
	}
	local, remote, err := socketpair.New("unix")
	if err != nil {
		return nil, err
	}
	pipe := &countingPipe{Conn: local}
	d.pipes = append(d.pipes, pipe)
	d.remotes <- remote
	return pipe, nil
}

func (d *pairDialer) getDials() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.dials...)
}

func (d *pairDialer) getPipe(i int) *countingPipe {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.pipes[i]
}

// waitRemote returns the far end of the next outbound connection
func (d *pairDialer) waitRemote(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.remotes:
		return c
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for an outbound connection")
		return nil
	}
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for completion")
		return nil
	}
}
