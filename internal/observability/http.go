package observability

import (
	"net"
	"net/http"
	"strings"
)

// ClientMeta is what a request tells us about the client behind it.
type ClientMeta struct {
	DeviceID  string
	RequestID string
	IP        string
}

// ClientMetaFromRequest reads client metadata from headers. Browsers cannot set
// headers on a websocket handshake, so the device id also falls back to the
// device_id query parameter.
func ClientMetaFromRequest(r *http.Request) ClientMeta {
	deviceID := r.Header.Get("X-Device-Id")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device_id")
	}
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = RequestIDFromContext(r.Context())
	}
	return ClientMeta{
		DeviceID:  deviceID,
		RequestID: requestID,
		IP:        IPFromRequest(r),
	}
}

// IPFromRequest prefers the first X-Forwarded-For hop, then X-Real-Ip, then the peer address.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
