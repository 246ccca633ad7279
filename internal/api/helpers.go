package api

import (
	"net"
	"net/http"
	"strings"

	"grimm.is/umc/internal/validation"
)

// clientIP returns the peer address. Requests relayed by a local reverse
// proxy carry the real client as the last X-Forwarded-For entry.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if parsed := net.ParseIP(ip); parsed != nil && parsed.IsLoopback() {
		if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			parts := strings.Split(xff[len(xff)-1], ",")
			if last := strings.TrimSpace(parts[len(parts)-1]); validation.ValidateIP(last) == nil {
				return last
			}
		}
	}
	return ip
}

// redirectTarget returns a safe local redirect location. Only absolute
// paths on this host are accepted.
func redirectTarget(location, fallback string) string {
	if location == "" || !strings.HasPrefix(location, "/") || strings.HasPrefix(location, "//") || strings.Contains(location, `\`) {
		return fallback
	}
	return location
}
