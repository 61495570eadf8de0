/*
Package policy decides which CONNECT targets are intercepted.

A target is intercepted when its port is in the configured port set and
its host matches one of the configured domain patterns. The default match
mode is substring: the pattern "github.com" matches both "github.com" and
"api.github.com". The imprecision is accepted because the pattern list is
operator-curated; suffix and exact modes are available for operators who
want tighter matching.
*/
package policy

import "strings"

// MatchMode controls how domain patterns are compared against hosts.
type MatchMode string

const (
	// MatchSubstring intercepts when a pattern occurs anywhere in the host.
	MatchSubstring MatchMode = "substring"
	// MatchSuffix intercepts when the host equals a pattern or ends with "." + pattern.
	MatchSuffix MatchMode = "suffix"
	// MatchExact intercepts only on exact host equality.
	MatchExact MatchMode = "exact"
)

// Rules is a compiled interception rule set. Compile once at startup;
// reads are lock-free.
type Rules struct {
	domains []string
	ports   map[int]struct{}
	mode    MatchMode
}

// New compiles an interception rule set. Domains are lowercased; empty
// mode defaults to substring.
func New(domains []string, ports []int, mode MatchMode) *Rules {
	if mode == "" {
		mode = MatchSubstring
	}
	ds := make([]string, 0, len(domains))
	for _, d := range domains {
		ds = append(ds, strings.ToLower(d))
	}
	ps := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		ps[p] = struct{}{}
	}
	return &Rules{domains: ds, ports: ps, mode: mode}
}

// ShouldIntercept reports whether a CONNECT to host:port is terminated and
// inspected rather than blind-tunnelled.
func (r *Rules) ShouldIntercept(host string, port int) bool {
	if r == nil || len(r.domains) == 0 {
		return false
	}
	if _, ok := r.ports[port]; !ok {
		return false
	}

	host = strings.ToLower(host)
	for _, d := range r.domains {
		if r.matches(host, d) {
			return true
		}
	}
	return false
}

// Domains returns the number of configured domain patterns.
func (r *Rules) Domains() int {
	if r == nil {
		return 0
	}
	return len(r.domains)
}

func (r *Rules) matches(host, pattern string) bool {
	switch r.mode {
	case MatchExact:
		return host == pattern
	case MatchSuffix:
		return host == pattern || strings.HasSuffix(host, "."+pattern)
	default:
		return strings.Contains(host, pattern)
	}
}
