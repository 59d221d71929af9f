package wrshare

import (
	"encoding/base64"
	"strings"
)

// EarlyDataHeader is the HTTP request header that carries early data alongside the
// websocket handshake. Browsers can only set it through the subprotocol list.
const EarlyDataHeader = "Sec-WebSocket-Protocol"

var urlSafeToStd = strings.NewReplacer("-", "+", "_", "/")

// DecodeEarlyData decodes an early-data token. Both the standard and URL-safe base64
// alphabets are accepted, with or without padding. An empty token yields nil.
func DecodeEarlyData(token string) ([]byte, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	token = strings.TrimRight(urlSafeToStd.Replace(token), "=")
	data, err := base64.RawStdEncoding.DecodeString(token)
	if err != nil {
		return nil, &EarlyDataError{Err: err}
	}
	return data, nil
}

// EncodeEarlyData produces a token suitable for a Sec-WebSocket-Protocol header value
func EncodeEarlyData(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
