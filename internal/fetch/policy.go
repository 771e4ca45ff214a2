package fetch

import (
	"fmt"
	"strings"
)

// Policy selects the order in which the cache and the network are tried.
type Policy int

const (
	// CacheFirst reads the cache and falls back to the network on failure.
	CacheFirst Policy = iota
	// CacheOnly reads the cache; a miss fails the request.
	CacheOnly
	// NetworkOnly never reads the cache. Responses are still written.
	NetworkOnly
	// NetworkFirst asks the network and falls back to the cache on failure.
	NetworkFirst
)

var policyNames = map[Policy]string{
	CacheFirst:   "cache-first",
	CacheOnly:    "cache-only",
	NetworkOnly:  "network-only",
	NetworkFirst: "network-first",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy accepts "cache-first", "CACHE_FIRST" and similar spellings.
// The empty string yields CacheFirst.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return CacheFirst, nil
	}
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for p, name := range policyNames {
		if name == norm {
			return p, nil
		}
	}
	return 0, fmt.Errorf("fetch: unknown policy %q", s)
}
