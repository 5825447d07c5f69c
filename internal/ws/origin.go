// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// OriginPolicy decides which browser origins may open a relay connection.
// Patterns are globs over the normalized origin, where * does not cross a
// dot: "https://*.campus.edu" matches "https://app.campus.edu" only.
type OriginPolicy struct {
	allowAll bool
	patterns []glob.Glob
}

// NewOriginPolicy compiles patterns. A "*" entry allows every origin.
func NewOriginPolicy(patterns []string) (*OriginPolicy, error) {
	p := &OriginPolicy{}
	for _, raw := range patterns {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		switch pattern {
		case "":
			continue
		case "*":
			p.allowAll = true
			continue
		}
		g, err := glob.Compile(strings.TrimSuffix(pattern, "/"), '.')
		if err != nil {
			return nil, oops.Code("INVALID_ORIGIN_PATTERN").With("pattern", raw).Wrap(err)
		}
		p.patterns = append(p.patterns, g)
	}
	return p, nil
}

// Allowed reports whether origin may connect. Requests without an Origin
// header come from non-browser clients and are allowed.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" || p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, g := range p.patterns {
		if g.Match(normalized) {
			return true
		}
	}
	return false
}

// CheckOrigin adapts the policy to websocket.Upgrader.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allowed(r.Header.Get("Origin"))
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
