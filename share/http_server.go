package wrshare

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
)

// HTTPServer extends net/http Server and
// adds graceful shutdowns
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer. If tlsConfig is non-nil the listener
// is wrapped with TLS.
func NewHTTPServer(logger Logger, tlsConfig *tls.Config) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{TLSConfig: tlsConfig},
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	if h.listener == nil {
		return completionErr
	}
	if err := h.Server.Close(); err != nil {
		h.DLogf("HTTPserver: close failed, ignoring: %s", err)
	}
	// Serve may not have taken ownership of the listener yet
	h.listener.Close()
	if completionErr == http.ErrServerClosed {
		completionErr = nil
	}
	return completionErr
}

// Listen binds the server to addr without serving. It is separate from Serve so that
// callers can learn the bound address (see ListenAddr) before requests arrive.
func (h *HTTPServer) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return h.DLogErrorf("Listen failed: %s", err)
	}
	if h.TLSConfig != nil {
		l = tls.NewListener(l, h.TLSConfig)
	}
	h.listener = l
	return nil
}

// ListenAddr returns the bound listener address, or nil before Listen
func (h *HTTPServer) ListenAddr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Serve runs the HTTP server on the bound listener, invoking the provided handler
// for each request. It returns after the server has shutdown. The server can be
// shutdown either by cancelling the context or by calling Shutdown().
func (h *HTTPServer) Serve(ctx context.Context, handler http.Handler) error {
	if h.listener == nil {
		return h.Errorf("Serve called before Listen")
	}
	h.ShutdownOnContext(ctx)
	h.Handler = handler
	go func() {
		h.StartShutdown(h.Server.Serve(h.listener))
	}()
	return h.WaitShutdown()
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
