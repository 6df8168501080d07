package common

import "strings"

// HasAny reports whether s contains any of the substrings.
func HasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Rule maps a set of keywords onto a value.
type Rule[T any] struct {
	Keywords []string
	Value    T
}

// FirstMatch returns the value of the first rule with a keyword contained in
// s, or fallback. Rule order is significant: list the stronger match first.
func FirstMatch[T any](s string, rules []Rule[T], fallback T) T {
	if s == "" {
		return fallback
	}
	for _, r := range rules {
		if HasAny(s, r.Keywords...) {
			return r.Value
		}
	}
	return fallback
}
