package ratelimit

import (
	"sync/atomic"

	"gateguard/internal/security"
)

// PathRule binds a window to every request path its pattern matches.
// Patterns use path-segment wildcards: `*` matches exactly one segment,
// `**` matches any number of segments including none.
type PathRule struct {
	Pattern       string `json:"pattern"`
	WindowSeconds int    `json:"window_seconds"`
	MaxRequests   int    `json:"max_requests"`
	Enabled       bool   `json:"enabled"`
	Description   string `json:"description,omitempty"`
}

// Rules holds the ordered rule set plus the fallback applied when nothing
// matches. Reload swaps the whole snapshot; readers never observe a
// half-updated set.
type Rules struct {
	snapshot      atomic.Pointer[[]PathRule]
	defaultWindow int
	defaultMax    int
}

func NewRules(rules []PathRule, defaultWindowSeconds, defaultMaxRequests int) *Rules {
	r := &Rules{
		defaultWindow: defaultWindowSeconds,
		defaultMax:    defaultMaxRequests,
	}
	r.Replace(rules)
	return r
}

func (r *Rules) Replace(rules []PathRule) {
	cp := make([]PathRule, len(rules))
	copy(cp, rules)
	r.snapshot.Store(&cp)
}

// Resolve returns the first enabled rule whose pattern matches, otherwise a
// synthetic rule carrying the defaults.
func (r *Rules) Resolve(path string) PathRule {
	for _, rule := range *r.snapshot.Load() {
		if rule.Enabled && security.MatchPath(rule.Pattern, path) {
			return rule
		}
	}
	return PathRule{
		WindowSeconds: r.defaultWindow,
		MaxRequests:   r.defaultMax,
		Enabled:       true,
	}
}
