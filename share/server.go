package wrshare

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sammck-go/wsrelay/pkg/wstnet"
	"golang.org/x/crypto/acme/autocert"
)

// ServerConfig is the configuration for the relay service
type ServerConfig struct {
	// Path restricts websocket upgrades to a single URL path. Empty accepts any path.
	Path string

	// AllowPatterns are regular expressions over "host:port"; if any are given (here or
	// in AllowFile), only matching destinations may be dialed
	AllowPatterns []string

	// AllowFile is a file of destination patterns, one per line. It is reloaded when it changes.
	AllowFile string

	// Proxy is a backend URL that receives every non-websocket request
	Proxy string

	// DialTimeout bounds outbound connection attempts. 0 selects wstnet.DefaultDialTimeout.
	DialTimeout time.Duration

	// BufferSize is the outbound read buffer size. 0 selects DefaultBufferSize.
	BufferSize int

	TLSCert string
	TLSKey  string

	// ACMEHosts enables automatic certificates for the listed host names
	ACMEHosts []string
	ACMEEmail string
	ACMECache string

	// Metrics exposes prometheus metrics on /metrics
	Metrics bool

	LogLevel LogLevel

	// LogOutput receives log output. nil selects os.Stderr.
	LogOutput io.Writer

	// Dialer overrides the outbound dialer
	Dialer wstnet.BipipeDialer
}

// Server represents a relay service
type Server struct {
	ShutdownHelper
	config        *ServerConfig
	connStats     ConnStats
	httpServer    *HTTPServer
	reverseProxy  *httputil.ReverseProxy
	upgrader      websocket.Upgrader
	sessionConfig *SessionConfig
	policy        *DestinationPolicy
	registry      *prometheus.Registry
	httpHandler   http.Handler

	// sessionCtx is cancelled when the server shuts down, tearing down every active session
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	sessionsLock sync.Mutex
	closing      bool
	sessions     sync.WaitGroup
}

// NewServer creates and returns a new relay server
func NewServer(config *ServerConfig) (*Server, error) {
	logLevel := config.LogLevel
	if logLevel == LogLevelUnknown {
		logLevel = LogLevelInfo
	}
	logOutput := config.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := NewLoggerWithWriter("server", logOutput, defaultLogFlags, logLevel)

	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry: prometheus.NewRegistry(),
	}
	s.InitShutdownHelper(logger, s)
	s.sessionCtx, s.cancelSession = context.WithCancel(context.Background())

	policy, err := NewDestinationPolicy(s.Fork("policy"), config.AllowPatterns)
	if err != nil {
		return nil, err
	}
	if config.AllowFile != "" {
		if err := policy.LoadFile(config.AllowFile); err != nil {
			return nil, err
		}
	}
	s.policy = policy

	dialer := config.Dialer
	if dialer == nil {
		dialer = &wstnet.NetDialer{Timeout: config.DialTimeout}
	}
	s.sessionConfig = &SessionConfig{
		Dialer:     dialer,
		Policy:     policy,
		Metrics:    NewMetrics(s.registry),
		BufferSize: config.BufferSize,
	}

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}
	s.httpServer = NewHTTPServer(s.Fork("http"), tlsConfig)

	//setup reverse proxy
	if config.Proxy != "" {
		u, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, s.Errorf("Missing protocol (%s)", u)
		}
		s.reverseProxy = httputil.NewSingleHostReverseProxy(u)
		//always use proxy host
		s.reverseProxy.Director = func(r *http.Request) {
			r.URL.Scheme = u.Scheme
			r.URL.Host = u.Host
			r.Host = u.Host
		}
	}

	h := http.Handler(http.HandlerFunc(s.handleClientHandler))
	if s.GetLogLevel() >= LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	s.httpHandler = h

	return s, nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	c := s.config
	if len(c.ACMEHosts) > 0 {
		if c.TLSCert != "" || c.TLSKey != "" {
			return nil, s.Errorf("ACME hosts and a TLS certificate are mutually exclusive")
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(c.ACMEHosts...),
			Email:      c.ACMEEmail,
		}
		if c.ACMECache != "" {
			if err := os.MkdirAll(c.ACMECache, 0o700); err != nil {
				return nil, s.Errorf("Failed to create ACME cache: %s", err)
			}
			m.Cache = autocert.DirCache(c.ACMECache)
		}
		return m.TLSConfig(), nil
	}
	if c.TLSCert == "" && c.TLSKey == "" {
		return nil, nil
	}
	if c.TLSCert == "" || c.TLSKey == "" {
		return nil, s.Errorf("Both a TLS certificate and key are required")
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, s.Errorf("Failed to load TLS key pair: %s", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Handler returns the http.Handler that serves websocket upgrades and control endpoints
func (s *Server) Handler() http.Handler {
	return s.httpHandler
}

// Run is responsible for starting the relay service. It blocks until the server has shut down,
// either because ctx was cancelled or because Close was called.
func (s *Server) Run(ctx context.Context, host, port string) error {
	if err := s.Start(ctx, host, port); err != nil {
		return err
	}
	return s.Wait()
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context, host, port string) error {
	s.ShutdownOnContext(ctx)

	if s.config.AllowFile != "" {
		if err := s.policy.WatchFile(s.sessionCtx, s.config.AllowFile); err != nil {
			return err
		}
	}
	if s.policy.Len() > 0 {
		s.ILogf("Destination allow-list enabled (%d patterns)", s.policy.Len())
	}
	if s.reverseProxy != nil {
		s.ILogf("Reverse proxy enabled")
	}
	if s.config.Metrics {
		s.ILogf("Metrics enabled on /metrics")
	}

	if err := s.httpServer.Listen(net.JoinHostPort(host, port)); err != nil {
		return err
	}
	s.ILogf("Listening on %s...", s.httpServer.ListenAddr())

	s.AddShutdownChild(s.httpServer)
	go func() {
		s.StartShutdown(s.httpServer.Serve(ctx, s.httpHandler))
	}()
	return nil
}

// Wait blocks until the server has shut down and returns nil if it shut down cleanly
func (s *Server) Wait() error {
	err := s.WaitShutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// ListenAddr returns the address the server is bound to, or nil if it has not started
func (s *Server) ListenAddr() net.Addr {
	return s.httpServer.ListenAddr()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	err := s.httpServer.Close()

	s.sessionsLock.Lock()
	s.closing = true
	s.sessionsLock.Unlock()
	s.cancelSession()
	s.sessions.Wait()

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// beginSession registers a new session, or returns false if the server is shutting down
func (s *Server) beginSession() bool {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

// GetStats returns the session counters for this server
func (s *Server) GetStats() *ConnStats {
	return &s.connStats
}

// GetPolicy returns the destination policy used by this server
func (s *Server) GetPolicy() *DestinationPolicy {
	return s.policy
}
