package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList names models that must never be served from cache — e.g. a
// deployment may want responses from a model tuned for non-deterministic
// creative output to always hit the provider. Rules are exact names plus
// regex patterns.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the pattern list once so Excluded is cheap to
// call on every request.
func NewExclusionList(exact []string, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}
	for _, m := range exact {
		el.exact[m] = struct{}{}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid cache exclusion pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

// Excluded reports whether model should bypass the cache entirely.
func (el *ExclusionList) Excluded(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of configured rules (exact names plus patterns).
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
