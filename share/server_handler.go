package wrshare

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomasen/realip"
)

// handleClientHandler is the main http handler for the relay server
func (s *Server) handleClientHandler(w http.ResponseWriter, r *http.Request) {
	//websockets upgrade AND on the relay path
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	if upgrade == "websocket" && s.matchPath(r.URL.Path) {
		s.handleUpgrade(w, r)
		return
	}

	if s.config.Metrics && r.URL.Path == "/metrics" {
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	//proxy target was provided
	if s.reverseProxy != nil {
		s.reverseProxy.ServeHTTP(w, r)
		return
	}

	//no proxy defined, provide access to health/version checks
	switch r.URL.Path {
	case "/health":
		respond(w, true, http.StatusOK, "OK", map[string]int32{
			"open":  s.connStats.NumOpen(),
			"total": s.connStats.NumTotal(),
		})
		return
	case "/version":
		respond(w, true, http.StatusOK, BuildVersion, nil)
		return
	}

	respond(w, false, http.StatusNotFound, "Not Found", nil)
}

func (s *Server) matchPath(path string) bool {
	return s.config.Path == "" || s.config.Path == path
}

// handleUpgrade validates the early-data token, upgrades the request and runs a relay session
// on the resulting websocket until it finishes.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(EarlyDataHeader)
	if _, err := DecodeEarlyData(token); err != nil {
		s.DLogf("Rejecting websocket upgrade: %s", err)
		s.sessionConfig.Metrics.recordError(err)
		respond(w, false, http.StatusBadRequest, err.Error(), nil)
		return
	}

	// the token is echoed as the selected subprotocol, otherwise browsers abort the handshake
	var responseHeader http.Header
	if token != "" {
		responseHeader = http.Header{}
		responseHeader.Set(EarlyDataHeader, token)
	}

	if !s.beginSession() {
		respond(w, false, http.StatusServiceUnavailable, "Server is shutting down", nil)
		return
	}
	defer s.sessions.Done()

	s.DLogf("Upgrading to websocket, URL=\"%s\"", r.URL.String())
	wsConn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade has already replied to the client
		s.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}
	s.handleWebsocket(wsConn, token, realip.FromRequest(r))
}

// handleWebsocket runs one relay session over wsConn. It is guaranteed that wsConn is closed on return.
func (s *Server) handleWebsocket(wsConn *websocket.Conn, earlyData string, clientIP string) {
	id := s.connStats.New()
	l := s.Fork("session#%d(%s)", id, clientIP)

	channel, err := NewMessageChannel(l, wsConn, earlyData)
	if err != nil {
		l.DLogf("Failed to create message channel: %s", err)
		wsConn.Close()
		return
	}

	s.connStats.Open()
	l.DLogf("%v Open", &s.connStats)
	err = NewSession(l, channel, s.sessionConfig).Run(s.sessionCtx)
	s.connStats.Close()
	if err != nil {
		l.DLogf("%v Closed (error: %s)", &s.connStats, err)
	} else {
		l.DLogf("%v Closed", &s.connStats)
	}
}
