// Package mention decides which hosted agent identities a free-text
// message addresses. Matching is a deterministic, side-effect-free
// pattern test: good enough for chat mentions, not natural-language
// understanding.
package mention

import (
	"regexp"
	"strings"

	"github.com/jiyundev/agentbridge/internal/registry"
)

// RegexPrefix marks a pattern as a regular expression instead of a
// plain case-insensitive substring.
const RegexPrefix = "re:"

// Matches reports whether text mentions the agent described by spec.
// Plain patterns are case-insensitive substring tests; "re:" patterns
// are matched as case-insensitive regular expressions. An invalid
// regex never matches.
func Matches(text string, spec registry.AgentSpec) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, pattern := range spec.MentionPatterns() {
		if rest, ok := strings.CutPrefix(pattern, RegexPrefix); ok {
			if matched, _ := regexp.MatchString("(?i)"+rest, text); matched {
				return true
			}
			continue
		}
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// MatchAll returns every registry entry mentioned in text, in registry
// order. A single message may match zero, one, or many agents.
func MatchAll(text string, reg *registry.Registry) []registry.AgentSpec {
	var matched []registry.AgentSpec
	for _, spec := range reg.Entries() {
		if Matches(text, spec) {
			matched = append(matched, spec)
		}
	}
	return matched
}
