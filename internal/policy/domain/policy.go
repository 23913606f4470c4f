// Package domain decides which hosts a user may crawl given their tier and role.
package domain

import (
	"context"
	"net"
	"net/url"
	"strings"
)

// Config lists refused host patterns. Patterns are exact hosts or suffix
// wildcards ("*.example.com" or ".example.com").
type Config struct {
	BlockPrivate bool
	Blocked      []string
	ByTier       map[string][]string
	ByRole       map[string][]string
}

// Policy answers per-URL crawl permission.
type Policy struct {
	blockPrivate bool
	global       *patternList
	byTier       map[string]*patternList
	byRole       map[string]*patternList
}

// New compiles cfg into a Policy.
func New(cfg Config) *Policy {
	return &Policy{
		blockPrivate: cfg.BlockPrivate,
		global:       newPatternList(cfg.Blocked),
		byTier:       compile(cfg.ByTier),
		byRole:       compile(cfg.ByRole),
	}
}

func compile(in map[string][]string) map[string]*patternList {
	out := make(map[string]*patternList, len(in))
	for key, patterns := range in {
		if list := newPatternList(patterns); list != nil {
			out[strings.ToLower(key)] = list
		}
	}
	return out
}

// IsAllowed reports whether rawURL may be crawled by a user of tier and role.
// URLs without a host are refused.
func (p *Policy) IsAllowed(_ context.Context, rawURL, tier, role string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, nil
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false, nil
	}
	if p.blockPrivate && isPrivateHost(host) {
		return false, nil
	}
	if p.global.matches(host) {
		return false, nil
	}
	if p.byTier[strings.ToLower(tier)].matches(host) {
		return false, nil
	}
	if p.byRole[strings.ToLower(role)].matches(host) {
		return false, nil
	}
	return true, nil
}

func isPrivateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
