// Package identity derives stable conversation keys from page URLs.
package identity

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultPaths are conversation path shapes recognized on every host.
var DefaultPaths = []string{
	`/c/[^/]+`,
	`/chat/[^/]+`,
	`/conversation/[^/]+`,
}

// Resolver maps a URL to its conversation key: origin plus the matched
// conversation path prefix, or origin plus the whole path.
type Resolver struct {
	patterns []*regexp.Regexp
}

// New compiles a resolver from DefaultPaths and the extra patterns.
// Patterns are anchored at the start of the path and must end on a
// segment boundary.
func New(extra ...string) (*Resolver, error) {
	r := &Resolver{}
	seen := make(map[string]bool)
	for _, pat := range append(append([]string(nil), DefaultPaths...), extra...) {
		if seen[pat] {
			continue
		}
		seen[pat] = true
		re, err := regexp.Compile(`^(?:` + pat + `)(?:/|$)`)
		if err != nil {
			return nil, fmt.Errorf("compile conversation path %q: %w", pat, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Resolve returns the conversation key for rawURL. Query and fragment are
// dropped. Malformed or relative URLs resolve to the raw input. Resolve is
// idempotent: Resolve(Resolve(u)) == Resolve(u).
func (r *Resolver) Resolve(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	origin := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)

	path := u.EscapedPath()
	if prefix := r.match(path); prefix != "" {
		return origin + prefix
	}
	return origin + strings.TrimRight(path, "/")
}

// match returns the longest conversation prefix of path, without a trailing slash.
func (r *Resolver) match(path string) string {
	best := ""
	for _, re := range r.patterns {
		m := re.FindString(path)
		m = strings.TrimSuffix(m, "/")
		if len(m) > len(best) {
			best = m
		}
	}
	return best
}
