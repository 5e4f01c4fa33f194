// Package allowlist classifies outbound URLs against a set of domain
// suffix patterns.
package allowlist

import (
	"net"
	"net/url"
	"strings"
)

// Allowlist holds lowercased domain suffix patterns. A host matches when it
// equals a pattern or ends with "." + pattern.
type Allowlist struct {
	patterns []string
}

// New builds an Allowlist from the given patterns. Patterns are lowercased
// and blank entries dropped.
func New(patterns []string) *Allowlist {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &Allowlist{patterns: cleaned}
}

// IsAllowed reports whether the URL parses, has a host, and that host is
// covered by a pattern. Any parse failure denies.
func (a *Allowlist) IsAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return a.IsAllowedHost(u.Host)
}

// IsAllowedHost checks a bare host (optionally host:port) against the
// patterns. Used by the CONNECT path where no full URL exists.
func (a *Allowlist) IsAllowedHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, p := range a.patterns {
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}
