// Package util holds small helpers shared across packages.
package util

import (
	"strings"

	"golang.org/x/oauth2"
)

// SafeTruncate returns at most maxLen bytes of s, for logging handle prefixes.
// A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScope splits a space-delimited scope parameter, dropping empty and
// duplicate entries while keeping order.
func ParseScope(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScope renders scopes as a space-delimited parameter.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// NewHandle returns an unguessable URL-safe value with 256 bits of entropy,
// used for authorization codes, refresh tokens and reference tokens.
func NewHandle() string {
	return oauth2.GenerateVerifier()
}
