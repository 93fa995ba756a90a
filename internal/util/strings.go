// Package util provides small shared helpers used across the connect library.
package util

import (
	"sort"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Used when logging identifiers derived from sensitive values, where only a
// short prefix should ever appear in log output.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeScopes trims, deduplicates, and sorts a scope list.
// Scope order is irrelevant to providers; sorting gives a canonical form so
// scope sets can be compared and persisted deterministically.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ContainsAll reports whether every element of want is present in have.
func ContainsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, s := range want {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
