package gateway

import (
	"fmt"
	"regexp"
)

// MediaOnly matches service keys that serve images and video but no chat.
// Exact names are checked first, then patterns in order. A nil *MediaOnly
// matches nothing.
type MediaOnly struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewMediaOnly compiles the rules. An invalid pattern is a startup error.
func NewMediaOnly(exact, patterns []string) (*MediaOnly, error) {
	m := &MediaOnly{exact: make(map[string]struct{}, len(exact))}
	for _, e := range exact {
		if e != "" {
			m.exact[e] = struct{}{}
		}
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("gateway: media-only pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

func (m *MediaOnly) Matches(service string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.exact[service]; ok {
		return true
	}
	for _, re := range m.patterns {
		if re.MatchString(service) {
			return true
		}
	}
	return false
}

// Len counts the configured rules.
func (m *MediaOnly) Len() int {
	if m == nil {
		return 0
	}
	return len(m.exact) + len(m.patterns)
}
