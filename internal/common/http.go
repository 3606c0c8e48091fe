package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the host part of RemoteAddr. The router runs chi's RealIP
// middleware first, which already resolved X-Forwarded-For and X-Real-IP.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
