package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// loopbackPrefixes is the default for both trusted proxies and the operator
// allowlist.
var loopbackPrefixes = []string{"127.0.0.1/32", "::1/128"}

// prefixSet is a list of address ranges. A bare address is a one-host range.
type prefixSet []netip.Prefix

func parsePrefixSet(entries []string) prefixSet {
	set := make(prefixSet, 0, len(entries))
	for _, raw := range entries {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if addr, err := netip.ParseAddr(value); err == nil {
			addr = addr.Unmap()
			set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			slog.Warn("ignoring invalid address range", "entry", value, "error", err)
			continue
		}
		set = append(set, prefix.Masked())
	}
	return set
}

func (s prefixSet) contains(host string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	addr = addr.Unmap().WithZone("")
	for _, prefix := range s {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIPResolver reads X-Forwarded-For only when the direct peer is a
// trusted proxy.
type clientIPResolver struct {
	trusted prefixSet
}

func newClientIPResolver(cidrs []string) clientIPResolver {
	if len(cidrs) == 0 {
		cidrs = loopbackPrefixes
	}
	return clientIPResolver{trusted: parsePrefixSet(cidrs)}
}

func (c clientIPResolver) clientIPFromRequest(r *http.Request) string {
	peer := remoteHost(r)
	if !c.trusted.contains(peer) {
		return peer
	}
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded == "" {
		return peer
	}
	first, _, _ := strings.Cut(forwarded, ",")
	if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
		return addr.Unmap().String()
	}
	return peer
}

// operatorGuard answers 404 on operator routes (/admin, /debug/pprof) for
// clients outside the allowlist, so the routes look absent.
type operatorGuard struct {
	allowed  prefixSet
	clientIP func(*http.Request) string
}

func newOperatorGuard(cidrs []string, clientIP func(*http.Request) string) operatorGuard {
	if len(cidrs) == 0 {
		cidrs = loopbackPrefixes
	}
	if clientIP == nil {
		clientIP = remoteHost
	}
	return operatorGuard{allowed: parsePrefixSet(cidrs), clientIP: clientIP}
}

func (g operatorGuard) permits(r *http.Request) bool {
	return g.allowed.contains(g.clientIP(r))
}

func (g operatorGuard) protect(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.permits(r) {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
