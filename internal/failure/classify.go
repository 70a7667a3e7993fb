package failure

import (
	"errors"
	"strings"

	"github.com/playwright-community/playwright-go"
)

// Class is the outcome of classifying an error.
type Class int

const (
	// Other errors propagate unchanged and never trigger recovery.
	Other Class = iota
	// SessionLostClass errors mean the browser, context or page is gone and a
	// fresh session may succeed.
	SessionLostClass
)

func (c Class) String() string {
	if c == SessionLostClass {
		return "session_lost"
	}
	return "other"
}

// sessionLostPatterns are matched case-insensitively against the error text.
// The engine has no typed signal for every variant of a dead connection, so
// these strings are pinned by tests.
var sessionLostPatterns = []string{
	"target page, context or browser has been closed",
	"target closed",
	"browser has been closed",
	"browser has disconnected",
	"playwright connection closed",
	"connection closed",
	"session closed",
	"websocket: close",
	"broken pipe",
}

// Classify decides whether err means the session was lost.
func Classify(err error) Class {
	if err == nil {
		return Other
	}

	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindSessionLost:
			return SessionLostClass
		case KindValidation, KindClosed, KindIO:
			return Other
		}
	}

	if errors.Is(err, playwright.ErrTargetClosed) {
		return SessionLostClass
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range sessionLostPatterns {
		if strings.Contains(msg, pattern) {
			return SessionLostClass
		}
	}
	return Other
}

// IsSessionLost is shorthand for Classify(err) == SessionLostClass.
func IsSessionLost(err error) bool {
	return Classify(err) == SessionLostClass
}
