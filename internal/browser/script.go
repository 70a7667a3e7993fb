package browser

import (
	"regexp"
	"strings"
)

var returnStatement = regexp.MustCompile(`(^|[;{}\s])return(\s|;|$)`)

// NormalizeScript turns caller input into something the engine can evaluate.
// Function expressions and plain expressions pass through untouched; a bare
// function body (one that uses return) is wrapped into an arrow function.
func NormalizeScript(script string) string {
	s := strings.TrimSpace(script)
	if s == "" {
		return s
	}
	if looksLikeFunction(s) {
		return s
	}
	if returnStatement.MatchString(s) {
		return "() => {\n" + s + "\n}"
	}
	return s
}

func looksLikeFunction(s string) bool {
	switch {
	case strings.HasPrefix(s, "function"), strings.HasPrefix(s, "async "):
		return true
	case strings.HasPrefix(s, "(") && strings.Contains(s, "=>"):
		// "(a) => ..." or "() => ...", but not "(1 + 2)"
		head := s[:strings.Index(s, "=>")]
		return strings.Count(head, "(") == strings.Count(head, ")")
	default:
		return false
	}
}
