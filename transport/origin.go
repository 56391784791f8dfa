package transport

import (
	"net/url"
	"slices"
)

// OriginAllowed reports whether origin matches one of the allow-list
// patterns: "*:*", "host:port", "host:*" or "*:port". A missing port means
// 443 for https and wss origins and 80 otherwise. The literal origin "null",
// sent by sandboxed documents, only matches wildcard hosts.
func OriginAllowed(origins []string, origin string) bool {
	if slices.Contains(origins, "*:*") {
		return true
	}
	if origin == "" {
		return false
	}

	var host, port string
	if origin == "null" || origin == "*" {
		host, port = "*", "80"
	} else {
		u, err := url.Parse(origin)
		if err != nil || u.Hostname() == "" {
			return false
		}
		host, port = u.Hostname(), u.Port()
		if port == "" {
			port = "80"
			if u.Scheme == "https" || u.Scheme == "wss" {
				port = "443"
			}
		}
	}

	return slices.Contains(origins, host+":"+port) ||
		slices.Contains(origins, host+":*") ||
		slices.Contains(origins, "*:"+port)
}
