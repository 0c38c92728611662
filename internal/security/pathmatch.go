package security

import "strings"

// MatchPath matches a request path against a segment pattern where `*`
// stands for exactly one path segment and `**` for any number including
// none. No regular expressions are exposed to configuration.
func MatchPath(pattern, path string) bool {
	return matchSegments(splitPath(pattern), splitPath(path))
}

// MatchAnyPath reports whether any pattern in the list matches.
func MatchAnyPath(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchPath(p, path) {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		if matchSegments(pat[1:], segs) {
			return true
		}
		if len(segs) == 0 {
			return false
		}
		return matchSegments(pat, segs[1:])
	}
	if len(segs) == 0 {
		return false
	}
	if pat[0] != "*" && pat[0] != segs[0] {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}
