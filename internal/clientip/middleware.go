// Package clientip resolves the client address of upload requests behind
// proxies and stores it in the request context for rate limiting and logging.
package clientip

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
)

type contextKey struct{}

// Info contains extracted client IP information
type Info struct {
	// Primary is the most trusted single IP, used in log lines.
	Primary string

	// RateLimitKey joins every IP seen on the request (sorted).
	// RemoteAddr is always part of it, so spoofed headers alone cannot
	// move a client into another bucket.
	RateLimitKey string
}

// trustedHeaders lists single-IP proxy headers, highest priority first.
// X-Forwarded-For is handled separately because only its first hop is used.
var trustedHeaders = []string{
	"Fly-Client-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
}

// Middleware rewrites r.RemoteAddr to the primary client IP and stores Info in context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := extract(r)
		r.RemoteAddr = info.Primary
		ctx := context.WithValue(r.Context(), contextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves Info from context.
// Returns zero Info if not present.
func FromContext(ctx context.Context) Info {
	if info, ok := ctx.Value(contextKey{}).(Info); ok {
		return info
	}
	return Info{}
}

// FromRequest is a convenience wrapper around FromContext
func FromRequest(r *http.Request) Info {
	return FromContext(r.Context())
}

func extract(r *http.Request) Info {
	seen := make(map[string]struct{})
	var primary string

	add := func(ip string) {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			return
		}
		seen[ip] = struct{}{}
		if primary == "" {
			primary = ip
		}
	}

	for _, h := range trustedHeaders {
		add(r.Header.Get(h))
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		add(first)
	}

	remoteIP := hostOnly(r.RemoteAddr)
	if remoteIP != "" {
		seen[remoteIP] = struct{}{}
	}
	if primary == "" {
		primary = remoteIP
	}

	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	return Info{
		Primary:      primary,
		RateLimitKey: strings.Join(ips, "|"),
	}
}

// hostOnly strips an optional port from addr.
// Handles "IP:port", "[IPv6]:port", "[IPv6]", and bare IPv4/IPv6.
func hostOnly(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
