package wrshare

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/wsrelay/pkg/addrheader"
	"github.com/sammck-go/wsrelay/pkg/wstnet"
)

// DefaultBufferSize is the default read buffer size for the outbound->client direction
const DefaultBufferSize = 32 * 1024

// SessionConfig holds the collaborators and policy shared by all sessions of a server
type SessionConfig struct {
	// Dialer opens outbound connections. Required.
	Dialer wstnet.BipipeDialer

	// ResponseHeader, if non-empty, is prepended to the first chunk sent back to the client.
	// The unauthenticated addressing scheme does not use one.
	ResponseHeader []byte

	// Policy restricts the destinations that may be dialed. nil allows everything.
	Policy *DestinationPolicy

	// Metrics receives session statistics. May be nil.
	Metrics *Metrics

	// BufferSize is the outbound read buffer size. 0 selects DefaultBufferSize.
	BufferSize int
}

func (c *SessionConfig) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return DefaultBufferSize
}

// Session relays a single client connection. It decodes the addressing header from the first
// chunk of its MessageChannel, dials the destination, and pumps bytes in both directions until
// either side finishes. The outbound connection and the MessageChannel are each released exactly
// once, by whichever teardown trigger fires first.
type Session struct {
	Logger
	config  *SessionConfig
	channel *MessageChannel

	// lock guards outbound, cancelled and cancelDial
	lock       sync.Mutex
	outbound   *SocketConn
	cancelled  bool
	cancelDial context.CancelFunc

	// headerSent is only accessed by the outbound->client pump
	headerSent bool

	destination *addrheader.Header
}

// NewSession creates a session that will relay channel according to config. The session
// takes ownership of channel.
func NewSession(logger Logger, channel *MessageChannel, config *SessionConfig) *Session {
	return &Session{
		Logger:  logger,
		config:  config,
		channel: channel,
	}
}

// Run relays the session to completion and returns the first error that terminated it, or nil
// if either side closed normally. Cancelling ctx tears the session down. On return both the
// outbound connection and the client channel have been released.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	s.config.Metrics.sessionStarted()
	err := s.run(ctx)
	s.config.Metrics.sessionEnded(time.Since(start), err)
	return err
}

func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.lock.Lock()
	s.cancelDial = cancel
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		s.teardown(ctx.Err())
	}()

	first, err := s.channel.Next()
	if err != nil {
		s.teardown(err)
		if err == io.EOF {
			s.DLogf("Client closed before sending an address header")
			return nil
		}
		return err
	}

	hdr, err := addrheader.Decode(first)
	if err != nil {
		s.ILogf("Invalid address header: %s", err)
		s.teardown(err)
		return err
	}
	s.destination = hdr
	defer s.closeOutbound(hdr)

	err = s.open(ctx, hdr)
	if err != nil {
		s.teardown(err)
		if err == ErrSessionClosed {
			return nil
		}
		return err
	}

	remoteDone := make(chan error, 1)
	go func() {
		remoteDone <- s.pumpOutboundToClient()
	}()

	clientErr := s.pumpClientToOutbound()
	s.teardown(clientErr)
	remoteErr := <-remoteDone

	if clientErr != nil {
		return clientErr
	}
	return remoteErr
}

// closeOutbound logs and records the bytes moved through the outbound connection, if one
// was opened. It runs after both pumps have finished.
func (s *Session) closeOutbound(hdr *addrheader.Header) {
	s.lock.Lock()
	conn := s.outbound
	s.lock.Unlock()
	if conn == nil {
		return
	}
	s.DLogf("Closed %s (sent %s received %s)", hdr.Address(),
		sizestr.ToString(conn.GetNumBytesWritten()),
		sizestr.ToString(conn.GetNumBytesRead()))
	s.config.Metrics.addBytes(conn.GetNumBytesWritten(), conn.GetNumBytesRead())
}

// open dials the destination named by hdr, stores the connection as the session's outbound
// channel and writes the header's remainder to it. Failures caused by a concurrent teardown
// are reported as ErrSessionClosed.
func (s *Session) open(ctx context.Context, hdr *addrheader.Header) error {
	addr := hdr.Address()
	if s.config.Policy != nil && !s.config.Policy.HasAccess(addr) {
		s.ILogf("Denied connection to %s", addr)
		return &DestinationDeniedError{Address: addr}
	}

	s.DLogf("Connecting to %s", addr)
	pipe, err := s.config.Dialer.DialContext(ctx, hdr.Host, hdr.Port)
	if err != nil {
		if s.isCancelled() {
			return ErrSessionClosed
		}
		s.ILogf("Connection to %s failed: %s", addr, err)
		return &ConnectError{Host: hdr.Host, Port: hdr.Port, Err: err}
	}
	conn := NewSocketConn(pipe, addr)

	s.lock.Lock()
	if s.cancelled {
		s.lock.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.outbound = conn
	s.lock.Unlock()

	s.DLogf("Connected to %s", addr)

	if len(hdr.Remainder) > 0 {
		if _, err := conn.Write(hdr.Remainder); err != nil {
			if s.isCancelled() {
				return ErrSessionClosed
			}
			return &TransportWriteError{Target: "outbound", Err: err}
		}
	}
	return nil
}

// teardown releases the outbound connection and the client channel. Only the first call has
// any effect; it returns true if this call performed the teardown.
func (s *Session) teardown(reason error) bool {
	s.lock.Lock()
	if s.cancelled {
		s.lock.Unlock()
		return false
	}
	if s.outbound != nil {
		if err := s.outbound.Close(); err != nil {
			s.TLogf("Close of outbound connection failed, ignoring: %s", err)
		}
	}
	s.cancelled = true
	cancelDial := s.cancelDial
	s.lock.Unlock()

	if reason != nil && reason != io.EOF && !errors.Is(reason, context.Canceled) {
		s.DLogf("Tearing down: %s", reason)
	}
	if cancelDial != nil {
		cancelDial()
	}
	s.channel.Cancel(reason)
	return true
}

// isCancelled returns true once the session has been torn down
func (s *Session) isCancelled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cancelled
}

// Destination returns the decoded address header, or nil if none has been decoded yet
func (s *Session) Destination() *addrheader.Header {
	return s.destination
}
