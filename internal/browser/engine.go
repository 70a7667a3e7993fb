// Package browser wraps the browser engine the service drives. The session
// manager only sees the Engine and Page interfaces; the Playwright adapter,
// the docker-backed launcher and the in-process mock live behind them.
package browser

import (
	"context"
	"time"

	"github.com/shehryarbajwa/browser-agent/internal/console"
	"github.com/shehryarbajwa/browser-agent/internal/snapshot"
)

// Default viewport and timeouts applied when the caller leaves them unset.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultActionTimeout  = 10 * time.Second
)

// Viewport is the page size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// LaunchOptions configures a new browser + context + page.
type LaunchOptions struct {
	Headless bool
	Viewport Viewport

	// Snapshot, when non-empty, seeds the context's cookies and localStorage.
	Snapshot *snapshot.Snapshot

	// OnConsole receives every console message the page emits.
	OnConsole func(console.Entry)

	// ActionTimeout bounds element actions (fill, click, dom reads).
	ActionTimeout time.Duration
}

// Engine launches browser sessions.
type Engine interface {
	// Launch starts a browser with one isolated context and one page.
	Launch(ctx context.Context, opts LaunchOptions) (Page, error)

	// Endpoint is the CDP websocket URL of the running browser, or "" when
	// the engine does not expose one.
	Endpoint() string

	// Close releases the engine itself (driver process, containers).
	Close() error
}

// Page is the handle to one live browser session. Implementations translate
// engine errors into failure kinds where they can tell them apart.
type Page interface {
	URL() string
	Title() (string, error)
	Goto(url string, timeout time.Duration) error
	Evaluate(script string) (any, error)
	InnerHTML(selector string) (string, error)
	Fill(selector, value string) error
	Click(selector string) error
	ClickAt(x, y float64) error
	WaitFor(selector string, timeout time.Duration) error
	Screenshot(path string, fullPage bool) error
	StorageState() (*snapshot.Snapshot, error)
	Close() error
}

func (o LaunchOptions) withDefaults() LaunchOptions {
	if o.Viewport.Width <= 0 || o.Viewport.Height <= 0 {
		o.Viewport = Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = DefaultActionTimeout
	}
	return o
}

func millis(d time.Duration) float64 {
	return float64(d / time.Millisecond)
}
