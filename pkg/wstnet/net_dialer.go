package wstnet

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DefaultDialTimeout bounds how long a NetDialer waits for a TCP connection to be established
const DefaultDialTimeout = 30 * time.Second

// NetDialer is a BipipeDialer that opens raw TCP connections with a net.Dialer. DNS resolution
// and the connect itself are left entirely to the net package.
type NetDialer struct {
	// Timeout is the maximum time to wait for a connection. If 0, DefaultDialTimeout is used.
	Timeout time.Duration

	// KeepAlive is passed through to net.Dialer. 0 selects the net package default; a negative
	// value disables keep-alives.
	KeepAlive time.Duration

	// LocalAddr optionally binds outgoing connections to a local address
	LocalAddr net.Addr
}

// DialContext connects to host:port over TCP. Part of the BipipeDialer interface.
func (d *NetDialer) DialContext(ctx context.Context, host string, port uint16) (Bipipe, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	nd := net.Dialer{
		Timeout:   timeout,
		KeepAlive: d.KeepAlive,
		LocalAddr: d.LocalAddr,
	}
	netConn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	return netConn, nil
}
