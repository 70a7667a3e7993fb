package dispatch

import (
	"math"
	"strings"

	"github.com/shehryarbajwa/browser-agent/internal/failure"
	"github.com/shehryarbajwa/browser-agent/pkg/models"
)

// Validate checks a command's arguments without touching the session.
func Validate(cmd models.Command) error {
	op := string(cmd.Op)
	if cmd.Op == "" {
		return failure.Validation(op, "operation is required")
	}
	if !cmd.Op.Valid() {
		return failure.Validation(op, "unknown operation %q", op)
	}

	a := cmd.Args
	if a.Timeout < 0 {
		return failure.Validation(op, "timeout must not be negative")
	}
	if a.Limit < 0 {
		return failure.Validation(op, "limit must not be negative")
	}

	switch cmd.Op {
	case models.OpNavigate:
		if blank(a.URL) {
			return missing(op, "url")
		}
	case models.OpExecute:
		if blank(a.Script) {
			return missing(op, "script")
		}
	case models.OpWait, models.OpClick:
		if blank(a.Selector) {
			return missing(op, "selector")
		}
	case models.OpFill:
		if blank(a.Selector) {
			return missing(op, "selector")
		}
		if a.Value == nil {
			return missing(op, "value")
		}
	case models.OpClickAt:
		if a.X == nil {
			return missing(op, "x")
		}
		if a.Y == nil {
			return missing(op, "y")
		}
		if !finite(*a.X) || !finite(*a.Y) {
			return failure.Validation(op, "coordinates must be finite numbers")
		}
	case models.OpScreenshot, models.OpVisualize, models.OpDetect, models.OpSegment:
		if strings.ContainsAny(a.Name, `/\`) || a.Name == "." || a.Name == ".." {
			return failure.Validation(op, "name must be a plain file name")
		}
	}
	return nil
}

func missing(op, arg string) error {
	return failure.Validation(op, "Missing required argument: %s", arg)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func finite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
