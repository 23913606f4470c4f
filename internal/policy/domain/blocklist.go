package domain

import "strings"

// patternList stores exact hosts and suffix wildcards derived from configuration.
type patternList struct {
	exact    map[string]struct{}
	suffixes []string
}

func newPatternList(patterns []string) *patternList {
	matcher := &patternList{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		if suffix, ok := wildcardSuffix(value); ok {
			if suffix != "" {
				matcher.addSuffix(suffix)
			}
			continue
		}
		matcher.exact[value] = struct{}{}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

// wildcardSuffix accepts "*.example.com" and ".example.com".
func wildcardSuffix(value string) (string, bool) {
	switch {
	case strings.HasPrefix(value, "*."):
		return strings.TrimPrefix(value, "*."), true
	case strings.HasPrefix(value, "."):
		return strings.TrimPrefix(value, "."), true
	default:
		return "", false
	}
}

func (b *patternList) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *patternList) matches(host string) bool {
	if b == nil || host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
