package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeScript(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		script string
		want   string
	}{
		{name: "expression", script: "document.title", want: "document.title"},
		{name: "trims", script: "  1 + 1  ", want: "1 + 1"},
		{name: "arrow", script: "() => document.title", want: "() => document.title"},
		{name: "arrow with args", script: "(a, b) => { return a + b }", want: "(a, b) => { return a + b }"},
		{name: "function keyword", script: "function () { return 1 }", want: "function () { return 1 }"},
		{name: "async arrow", script: "async () => 1", want: "async () => 1"},
		{name: "body with return", script: "const t = document.title; return t;", want: "() => {\nconst t = document.title; return t;\n}"},
		{name: "leading return", script: "return 42", want: "() => {\nreturn 42\n}"},
		{name: "identifier containing return", script: "window.returnValue", want: "window.returnValue"},
		{name: "empty", script: "   ", want: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeScript(tc.script))
		})
	}
}
