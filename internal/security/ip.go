package security

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"
)

const fallbackIP = "127.0.0.1"

// Resolver derives the effective client IP from proxy headers.
// MaxTrustedIndex is the number of proxy hops trusted in X-Forwarded-For:
// 0 picks the rightmost entry, 1 the one before it, and so on.
type Resolver struct {
	MaxTrustedIndex int
}

// Resolve checks, in order: the Mock-IP test header, X-Forwarded-For at the
// configured trust depth, X-Real-IP, then the transport remote address.
// The result is always canonical (see Normalize); when no source yields a
// valid address the loopback fallback is returned.
func (r Resolver) Resolve(ctx *fasthttp.RequestCtx) string {
	if mock := strings.TrimSpace(string(ctx.Request.Header.Peek("Mock-IP"))); mock != "" {
		if ip := Normalize(mock); ip != "" {
			return ip
		}
	}

	if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		idx := len(parts) - 1 - r.MaxTrustedIndex
		if idx < 0 {
			idx = 0
		}
		if ip := Normalize(strings.TrimSpace(parts[idx])); ip != "" {
			return ip
		}
	}

	if real := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Real-IP"))); real != "" {
		if ip := Normalize(real); ip != "" {
			return ip
		}
	}

	if remote := ctx.RemoteIP(); remote != nil && !remote.IsUnspecified() {
		if ip := Normalize(remote.String()); ip != "" {
			return ip
		}
	}
	return fallbackIP
}

// Normalize canonicalizes an address: IPv6 loopback collapses to 127.0.0.1
// and IPv4-mapped IPv6 collapses to the dotted-quad form. Invalid input
// yields "".
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "unknown") || strings.EqualFold(raw, "null") {
		return ""
	}
	if raw == "::1" || raw == "0:0:0:0:0:0:0:1" {
		return fallbackIP
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}
	if ip.IsLoopback() {
		if v4 := ip.To4(); v4 == nil {
			return fallbackIP
		}
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
