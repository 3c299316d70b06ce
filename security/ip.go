package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP derives the caller's IP for a request. The result doubles as
// the quota identifier and the audit event source, so it must stay hard to
// spoof: forwarding headers are consulted only when the deployment opts in
// with trustProxy, and only the hop the trusted proxy chain vouches for is
// believed. Everything else falls back to the connection's RemoteAddr.
//
// trustedProxyCount is how many proxies at the right end of X-Forwarded-For
// belong to the deployment; zero is treated as one.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
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

// forwardedClientIP picks the client hop out of an X-Forwarded-For chain.
// The header reads "client, proxy1, proxy2, ..." and every entry left of
// the trusted tail is caller-controlled, so the credible client entry sits
// immediately left of the trusted proxies. With fewer hops than trusted
// proxies the leftmost entry is used. A non-IP value yields "" so the
// caller falls back rather than feeding garbage into quota keys.
func forwardedClientIP(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")
	trusted := trustedProxyCount
	if trusted == 0 {
		trusted = 1
	}

	idx := len(hops) - trusted - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
