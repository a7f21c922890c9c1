package http

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig holds the proxies whose forwarding headers are trusted.
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies

	prefixes []netip.Prefix
}

// NewIPConfig parses the trusted proxy ranges up front and rejects invalid
// CIDRs.
func NewIPConfig(trustedProxies []string) (*IPConfig, error) {
	cfg := &IPConfig{TrustedProxies: trustedProxies}
	for _, cidr := range trustedProxies {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		cfg.prefixes = append(cfg.prefixes, p.Masked())
	}
	return cfg, nil
}

// ExtractClientIP returns the client address. Forwarding headers are
// consulted only when the direct peer is a trusted proxy, so clients cannot
// spoof their address (and with it their limiter and lockout keys).
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := remoteAddr(r)
	if config == nil || !config.trusts(remoteIP) {
		return remoteIP
	}

	// Leftmost valid entry is the originating client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, candidate := range strings.Split(xff, ",") {
			if addr, err := netip.ParseAddr(strings.TrimSpace(candidate)); err == nil {
				return addr.String()
			}
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.String()
	}
	return remoteIP
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// trusts reports whether ip falls in a trusted range. Configs built as
// literals are parsed lazily and invalid ranges are skipped.
func (c *IPConfig) trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	prefixes := c.prefixes
	if prefixes == nil {
		for _, cidr := range c.TrustedProxies {
			if p, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err == nil {
				prefixes = append(prefixes, p)
			}
		}
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
