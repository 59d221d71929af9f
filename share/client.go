package wrshare

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/wsrelay/pkg/addrheader"
)

// DefaultMaxRetryCount is the number of times a failed websocket dial is retried
const DefaultMaxRetryCount = 3

//ClientConfig represents a client configuration
type ClientConfig struct {
	// Server is the relay URL; http(s) and ws(s) schemes are accepted
	Server string

	// SocksListen is the local address of the SOCKS5 listener
	SocksListen string

	// HTTPProxy is an optional HTTP CONNECT proxy used to reach the relay
	HTTPProxy string

	// HostHeader overrides the Host header of the websocket handshake
	HostHeader string

	// EarlyData sends the address header in the handshake instead of as the first message
	EarlyData bool

	// MaxRetryCount is the number of retries of a failed websocket dial; negative retries forever
	MaxRetryCount    int
	MaxRetryInterval time.Duration

	LogLevel  LogLevel
	LogOutput io.Writer
}

//Client represents a client instance
type Client struct {
	ShutdownHelper
	config       *ClientConfig
	httpProxyURL *url.URL
	server       string
	connStats    ConnStats
	socksServer  *socks5.Server
	listener     net.Listener
}

// passthroughResolver leaves host names unresolved so that the relay resolves them
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

//NewClient creates a new client instance
func NewClient(config *ClientConfig) (*Client, error) {
	logLevel := config.LogLevel
	if logLevel == LogLevelUnknown {
		logLevel = LogLevelInfo
	}
	logOutput := config.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := NewLoggerWithWriter("client", logOutput, defaultLogFlags, logLevel)

	//apply default scheme
	server := config.Server
	if !strings.HasPrefix(server, "http") && !strings.HasPrefix(server, "ws") {
		server = "http://" + server
	}
	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 5 * time.Minute
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	//apply default port
	if !regexp.MustCompile(`:\d+$`).MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host = u.Host + ":443"
		} else {
			u.Host = u.Host + ":80"
		}
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)

	c := &Client{
		config: config,
		server: u.String(),
	}
	c.InitShutdownHelper(logger, c)

	if p := config.HTTPProxy; p != "" {
		c.httpProxyURL, err = url.Parse(p)
		if err != nil {
			return nil, c.Errorf("Invalid proxy URL (%s)", err)
		}
	}

	socksConfig := &socks5.Config{
		Dial:     c.DialContext,
		Resolver: passthroughResolver{},
	}
	if c.GetLogLevel() >= LogLevelDebug {
		socksConfig.Logger = log.New(logOutput, "[socks]", log.Ldate|log.Ltime)
	} else {
		socksConfig.Logger = log.New(ioutil.Discard, "", 0)
	}
	c.socksServer, err = socks5.New(socksConfig)
	if err != nil {
		return nil, err
	}
	return c, nil
}

//Run starts client and blocks until it is shut down
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	err := c.WaitShutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

//Start binds the SOCKS5 listener and serves in the background
func (c *Client) Start(ctx context.Context) error {
	c.ShutdownOnContext(ctx)
	l, err := net.Listen("tcp", c.config.SocksListen)
	if err != nil {
		return c.DLogErrorf("Listen failed: %s", err)
	}
	c.listener = l
	via := ""
	if c.httpProxyURL != nil {
		via = " via " + c.httpProxyURL.String()
	}
	c.ILogf("SOCKS5 listening on %s, relaying to %s%s", l.Addr(), c.server, via)
	go c.acceptLoop()
	return nil
}

// ListenAddr returns the address of the SOCKS5 listener, or nil before Start
func (c *Client) ListenAddr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *Client) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if !c.IsStartedShutdown() {
				c.StartShutdown(c.Errorf("Accept failed: %s", err))
			}
			return
		}
		go c.handleSocksStream(conn)
	}
}

func (c *Client) handleSocksStream(conn net.Conn) {
	id := c.connStats.New()
	l := c.Fork("conn#%d", id)
	c.connStats.Open()
	l.DLogf("%v Opening", &c.connStats)
	err := c.socksServer.ServeConn(conn)
	c.connStats.Close()
	if err != nil && !strings.HasSuffix(err.Error(), "EOF") {
		l.DLogf("%v Closed (error: %s)", &c.connStats, err)
	} else {
		l.DLogf("%v Closed", &c.connStats)
	}
}

// DialContext opens a relayed connection to addr ("host:port") through a new websocket.
// Only "tcp" networks are supported.
func (c *Client) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, c.Errorf("Unsupported network: %s", network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, c.Errorf("Invalid port in %s", addr)
	}
	hdr, err := addrheader.Encode(host, uint16(port), nil)
	if err != nil {
		return nil, err
	}

	b := &backoff.Backoff{Max: c.config.MaxRetryInterval}
	for {
		wsConn, err := c.dialWebsocket(ctx, hdr)
		if err == nil {
			c.DLogf("Relaying %s", addr)
			return NewWebSocketConn(wsConn), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempt := int(b.Attempt())
		maxAttempt := c.config.MaxRetryCount
		//give up?
		if maxAttempt >= 0 && attempt >= maxAttempt {
			return nil, c.Errorf("Connection to %s failed: %s", c.server, err)
		}
		d := b.Duration()
		c.DLogf("Connection error: %s (Attempt: %d/%d), retrying in %s", err, attempt+1, maxAttempt, d)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-c.ShutdownStartedChan():
			t.Stop()
			return nil, c.Errorf("Client is shutting down")
		}
	}
}

// dialWebsocket connects to the relay and delivers hdr, either as early data in the
// handshake or as the first binary message
func (c *Client) dialWebsocket(ctx context.Context, hdr []byte) (*websocket.Conn, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
	}
	if c.config.EarlyData {
		d.Subprotocols = []string{EncodeEarlyData(hdr)}
	}
	//optionally CONNECT proxy
	if c.httpProxyURL != nil {
		d.Proxy = func(*http.Request) (*url.URL, error) {
			return c.httpProxyURL, nil
		}
	}
	wsHeaders := http.Header{}
	if c.config.HostHeader != "" {
		wsHeaders.Set("Host", c.config.HostHeader)
	}
	wsConn, resp, err := d.DialContext(ctx, c.server, wsHeaders)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if !c.config.EarlyData {
		if err := wsConn.WriteMessage(websocket.BinaryMessage, hdr); err != nil {
			wsConn.Close()
			return nil, err
		}
	}
	return wsConn, nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	var err error
	if c.listener != nil {
		err = c.listener.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// GetStats returns the SOCKS connection counters for this client
func (c *Client) GetStats() *ConnStats {
	return &c.connStats
}
