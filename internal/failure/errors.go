// Package failure holds the error taxonomy shared by the session manager, the
// dispatcher and the HTTP layer, and the classifier that decides whether an
// error means the browser session is gone.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure for callers and for HTTP status mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNavigation    Kind = "navigation"
	KindNotFound      Kind = "not_found"
	KindTimeout       Kind = "timeout"
	KindSerialization Kind = "serialization"
	KindSessionLost   Kind = "session_lost"
	KindEngine        Kind = "engine"
	KindIO            Kind = "io"
	KindClosed        Kind = "closed"
)

// Error is a categorized failure. Msg is what the caller sees; Err keeps the
// underlying cause for errors.Is / errors.As and for classification.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrClosed is returned once the manager has been shut down.
var ErrClosed = &Error{Kind: KindClosed, Msg: "session manager is closed"}

// Validation reports malformed or missing command arguments.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Navigation reports an unreachable target or a navigation deadline.
func Navigation(url string, err error) *Error {
	return &Error{Kind: KindNavigation, Op: "navigate", Msg: fmt.Sprintf("Navigation to %s failed: %v", url, err), Err: err}
}

// NotFound reports a selector that matched nothing.
func NotFound(selector string) *Error {
	return &Error{Kind: KindNotFound, Msg: "Element not found: " + selector}
}

// Timeout reports an expired wait.
func Timeout(what string, err error) *Error {
	return &Error{Kind: KindTimeout, Msg: "Timeout waiting for " + what, Err: err}
}

// Serialization reports a script result that cannot be encoded as JSON.
func Serialization(err error) *Error {
	return &Error{Kind: KindSerialization, Op: "execute", Msg: fmt.Sprintf("script result is not serializable: %v", err), Err: err}
}

// SessionLost marks an error as a lost browser connection.
func SessionLost(err error) *Error {
	return &Error{Kind: KindSessionLost, Msg: err.Error(), Err: err}
}

// Engine wraps any other browser engine failure.
func Engine(op string, err error) *Error {
	return &Error{Kind: KindEngine, Op: op, Msg: fmt.Sprintf("%s failed: %v", op, err), Err: err}
}

// IO wraps snapshot persistence failures.
func IO(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Msg: fmt.Sprintf("%s: %v", op, err), Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindEngine.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindEngine
}

// HTTPStatus maps a kind onto the status code the transport returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
