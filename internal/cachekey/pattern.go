package cachekey

import (
	"regexp"
	"strings"
	"sync"
)

// PatternMatcher matches cache keys against operator-supplied wildcard
// patterns (e.g. "TEST-*-rest-*"). It exists for the operational
// debugging surface over the local cache (SPEC_FULL.md "Cache-key
// pattern introspection"), not for the client request path.
type PatternMatcher struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// NewPatternMatcher creates a pattern matcher with its own regex cache.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

// Match returns the subset of keys matching pattern. An empty pattern
// matches nothing; "*" alone matches everything.
func (pm *PatternMatcher) Match(pattern string, keys []string) []string {
	if pattern == "" {
		return nil
	}
	if pattern == "*" {
		return keys
	}

	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		sub := strings.Trim(pattern, "*")
		return filter(keys, func(k string) bool { return strings.Contains(k, sub) })
	case strings.HasPrefix(pattern, "*"):
		suffix := strings.TrimPrefix(pattern, "*")
		return filter(keys, func(k string) bool { return strings.HasSuffix(k, suffix) })
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		return filter(keys, func(k string) bool { return strings.HasPrefix(k, prefix) })
	case strings.Contains(pattern, "*"):
		return filter(keys, pm.regexMatcher(pattern))
	default:
		return filter(keys, func(k string) bool { return k == pattern })
	}
}

func (pm *PatternMatcher) regexMatcher(pattern string) func(string) bool {
	var re *regexp.Regexp
	if cached, ok := pm.regexCache.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		escaped := regexp.QuoteMeta(pattern)
		escaped = strings.ReplaceAll(escaped, "\\*", ".*")
		compiled, err := regexp.Compile("^" + escaped + "$")
		if err != nil {
			return func(string) bool { return false }
		}
		actual, _ := pm.regexCache.LoadOrStore(pattern, compiled)
		re = actual.(*regexp.Regexp)
	}
	return re.MatchString
}

func filter(keys []string, keep func(string) bool) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if keep(k) {
			out = append(out, k)
		}
	}
	return out
}
