package wrshare

import (
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/wsrelay/pkg/addrheader"
	"github.com/stretchr/testify/require"
)

// startEchoServer runs a TCP server that echoes everything it receives
func startEchoServer(t *testing.T) (string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

func newTestServer(t *testing.T, config *ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	if config.LogOutput == nil {
		config.LogOutput = ioutil.Discard
	}
	s, err := NewServer(config)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { s.Close() })
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// readAtLeast reads websocket messages until n bytes have arrived
func readAtLeast(t *testing.T, ws *websocket.Conn, n int) []byte {
	t.Helper()
	var result []byte
	for len(result) < n {
		_, p, err := ws.ReadMessage()
		require.NoError(t, err)
		result = append(result, p...)
	}
	return result
}

func decodeEnvelope(t *testing.T, resp *http.Response) responseEnvelope {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var env responseEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestServerRelaysToDestination(t *testing.T) {
	host, port := startEchoServer(t)
	s, ts := newTestServer(t, &ServerConfig{})

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	defer ws.Close()

	hdr, err := addrheader.Encode(host, port, []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, hdr))
	require.Equal(t, "ping", string(readAtLeast(t, ws, 4)))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("pong")))
	require.Equal(t, "pong", string(readAtLeast(t, ws, 4)))

	require.Equal(t, int32(1), s.GetStats().NumOpen())
	require.Equal(t, int32(1), s.GetStats().NumTotal())
}

func TestServerEarlyDataIsEchoedAsSubprotocol(t *testing.T) {
	host, port := startEchoServer(t)
	_, ts := newTestServer(t, &ServerConfig{})

	hdr, err := addrheader.Encode(host, port, []byte("early"))
	require.NoError(t, err)
	token := EncodeEarlyData(hdr)
	d := websocket.Dialer{Subprotocols: []string{token}}
	ws, resp, err := d.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, token, resp.Header.Get(EarlyDataHeader))
	require.Equal(t, token, ws.Subprotocol())

	require.Equal(t, "early", string(readAtLeast(t, ws, 5)))
}

func TestServerRejectsInvalidEarlyData(t *testing.T) {
	_, ts := newTestServer(t, &ServerConfig{})
	d := websocket.Dialer{Subprotocols: []string{"a"}}
	_, resp, err := d.Dial(wsURL(ts, "/"), nil)
	require.Equal(t, websocket.ErrBadHandshake, err)
	env := decodeEnvelope(t, resp)
	require.False(t, env.Success)
	require.Equal(t, http.StatusBadRequest, env.Status)
}

func TestServerClosesOnInvalidHeader(t *testing.T) {
	_, ts := newTestServer(t, &ServerConfig{})
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x02, 0, 0, 0, 0, 0, 0, 0}))
	_, _, err = ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServerDeniedDestination(t *testing.T) {
	host, port := startEchoServer(t)
	_, ts := newTestServer(t, &ServerConfig{AllowPatterns: []string{`example\.com:443`}})
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	defer ws.Close()

	hdr, err := addrheader.Encode(host, port, []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, hdr))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
}

func TestServerPath(t *testing.T) {
	host, port := startEchoServer(t)
	_, ts := newTestServer(t, &ServerConfig{Path: "/relay"})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/other"), nil)
	require.Equal(t, websocket.ErrBadHandshake, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/relay"), nil)
	require.NoError(t, err)
	defer ws.Close()
	hdr, err := addrheader.Encode(host, port, []byte("ok"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, hdr))
	require.Equal(t, "ok", string(readAtLeast(t, ws, 2)))
}

func TestServerControlEndpoints(t *testing.T) {
	_, ts := newTestServer(t, &ServerConfig{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.True(t, env.Success)
	require.Equal(t, "OK", *env.Message)

	resp, err = http.Get(ts.URL + "/version")
	require.NoError(t, err)
	env = decodeEnvelope(t, resp)
	require.Equal(t, BuildVersion, *env.Message)

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	env = decodeEnvelope(t, resp)
	require.False(t, env.Success)
	require.Equal(t, http.StatusNotFound, env.Status)
	require.Nil(t, env.Body)

	// metrics are disabled by default
	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &ServerConfig{Metrics: true})
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "wsrelay_sessions_total")
	require.Contains(t, string(body), "wsrelay_active_sessions")
}

func TestServerReverseProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("backend " + r.URL.Path))
	}))
	defer backend.Close()
	_, ts := newTestServer(t, &ServerConfig{Proxy: backend.URL})

	resp, err := http.Get(ts.URL + "/some/page")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "backend /some/page", string(body))
}

func TestServerInvalidConfig(t *testing.T) {
	_, err := NewServer(&ServerConfig{Proxy: "no-scheme", LogOutput: ioutil.Discard})
	require.Error(t, err)

	_, err = NewServer(&ServerConfig{AllowPatterns: []string{"("}, LogOutput: ioutil.Discard})
	require.Error(t, err)

	_, err = NewServer(&ServerConfig{TLSCert: "cert.pem", LogOutput: ioutil.Discard})
	require.Error(t, err)

	_, err = NewServer(&ServerConfig{ACMEHosts: []string{"example.com"}, TLSCert: "c", TLSKey: "k", LogOutput: ioutil.Discard})
	require.Error(t, err)
}

func TestServerRunAndShutdown(t *testing.T) {
	host, port := startEchoServer(t)
	s, err := NewServer(&ServerConfig{LogOutput: ioutil.Discard})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx, "127.0.0.1", "0"))
	addr := s.ListenAddr().String()

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	require.NoError(t, err)
	defer ws.Close()
	hdr, err := addrheader.Encode(host, port, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, hdr))
	require.Equal(t, "hi", string(readAtLeast(t, ws, 2)))

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	cancel()
	require.NoError(t, waitErr(t, done))

	// active sessions are torn down on shutdown
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	require.Equal(t, int32(0), s.GetStats().NumOpen())
	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.ListenAddr().(*net.TCPAddr).Port)))
	require.Error(t, err)
}
