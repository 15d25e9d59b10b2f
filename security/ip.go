package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller's address. With trustProxy set, the address
// is taken from X-Forwarded-For, skipping trustedProxyCount entries from the
// right (default 1), then X-Real-IP. Otherwise RemoteAddr is used, since
// forwarding headers are caller-controlled.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	ips := strings.Split(xff, ",")
	idx := max(len(ips)-trustedProxyCount-1, 0)
	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
