package wstnet

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNetDialerConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	d := &NetDialer{Timeout: 5 * time.Second}
	bp, err := d.DialContext(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	defer bp.Close()

	_, err = bp.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(bp, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestNetDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	d := &NetDialer{Timeout: 5 * time.Second}
	_, err = d.DialContext(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
}

func TestNetDialerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &NetDialer{}
	_, err := d.DialContext(ctx, "127.0.0.1", 9)
	require.Error(t, err)
}

func TestBipipeDialerFunc(t *testing.T) {
	called := false
	var d BipipeDialer = BipipeDialerFunc(func(ctx context.Context, host string, port uint16) (Bipipe, error) {
		called = true
		require.Equal(t, "example.com", host)
		require.Equal(t, uint16(443), port)
		return nil, io.ErrUnexpectedEOF
	})
	_, err := d.DialContext(context.Background(), "example.com", 443)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.True(t, called)
}
