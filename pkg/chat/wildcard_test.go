package chat

import (
	"regexp"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "alice", true},
		{"*", "", true},
		{"alice", "alice", true},
		{"alice", "Alice", false},
		{"a*", "alice", true},
		{"a*", "bob", false},
		{"*e", "alice", true},
		{"a?l*", "allen", true},
		{"a?l*", "alice", false},
		{"?", "a", true},
		{"?", "", false},
		{"?", "ab", false},
		{"a*c*e", "alice", true},
		{"a*z", "alice", false},
		{"**", "anything", true},
		{"", "", true},
		{"", "a", false},
		{"b?b", "bob", true},
		{"b?b*", "bobby", true},
	}

	for _, tt := range tests {
		if got := WildcardMatch(tt.pattern, tt.name); got != tt.want {
			t.Errorf("WildcardMatch(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

// TestWildcardMatchAgainstRegexp cross-checks the matcher against an
// equivalent regular expression on random inputs.
func TestWildcardMatchAgainstRegexp(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pattern := rapid.StringOfN(rapid.RuneFrom([]rune("ab?*")), 0, 8, -1).Draw(t, "pattern")
		name := rapid.StringOfN(rapid.RuneFrom([]rune("ab")), 0, 8, -1).Draw(t, "name")

		var sb strings.Builder
		sb.WriteString("^")
		for _, r := range pattern {
			switch r {
			case '*':
				sb.WriteString(".*")
			case '?':
				sb.WriteString(".")
			default:
				sb.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		sb.WriteString("$")
		want := regexp.MustCompile(sb.String()).MatchString(name)

		if got := WildcardMatch(pattern, name); got != want {
			t.Fatalf("WildcardMatch(%q, %q) = %v, regexp says %v", pattern, name, got, want)
		}
	})
}
