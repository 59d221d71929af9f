package wstnet

import (
	"context"
)

// BipipeDialer is a Bipipe factory that produces Bipipes on demand by "dialing" a destination
// given as a host and port. The host is whatever text the client supplied: a dotted IPv4
// address, a colon-separated IPv6 address, or a domain name that the dialer must resolve.
type BipipeDialer interface {
	// DialContext connects to host:port, creating a new Bipipe that is owned by the caller.
	// ctx allows a dial request to be cancelled or timed out. A returned error indicates
	// that the connection failed, but does not prevent future connections from succeeding.
	DialContext(ctx context.Context, host string, port uint16) (Bipipe, error)
}

// BipipeDialerFunc adapts an ordinary function to the BipipeDialer interface
type BipipeDialerFunc func(ctx context.Context, host string, port uint16) (Bipipe, error)

// DialContext calls f(ctx, host, port)
func (f BipipeDialerFunc) DialContext(ctx context.Context, host string, port uint16) (Bipipe, error) {
	return f(ctx, host, port)
}
