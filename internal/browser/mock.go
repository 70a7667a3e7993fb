package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shehryarbajwa/browser-agent/internal/console"
	"github.com/shehryarbajwa/browser-agent/internal/failure"
	"github.com/shehryarbajwa/browser-agent/internal/snapshot"
)

// ErrMockClosed is the error a killed mock page returns for every call. Its
// text matches what Playwright reports for a dead page.
var ErrMockClosed = errors.New("Target page, context or browser has been closed")

// mockPNG is a 1x1 transparent PNG written by mock screenshots.
var mockPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// MockEngine simulates a browser without launching one. It backs the
// service's mock mode and the package tests of everything above the engine.
type MockEngine struct {
	mu sync.Mutex

	titles   map[string]string
	elements map[string]string
	results  map[string]any
	cookies  []snapshot.Cookie

	launchErrs []error
	opErrs     map[string][]error

	launches     int
	lastSnapshot *snapshot.Snapshot
	current      *mockPage
	closed       bool
}

// NewMockEngine returns a mock whose pages contain only a body element.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		titles:   make(map[string]string),
		elements: map[string]string{"body": "<main></main>"},
		results:  make(map[string]any),
		opErrs:   make(map[string][]error),
	}
}

// SetTitle fixes the title reported after navigating to rawURL.
func (m *MockEngine) SetTitle(rawURL, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[rawURL] = title
}

// AddElement makes selector resolvable with the given inner HTML.
func (m *MockEngine) AddElement(selector, html string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elements[selector] = html
}

// SetEvaluateResult fixes the value returned for a script.
func (m *MockEngine) SetEvaluateResult(script string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[script] = value
}

// SetCookies sets what StorageState reports.
func (m *MockEngine) SetCookies(cookies []snapshot.Cookie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookies = cookies
}

// FailLaunch queues errors returned by the next Launch calls, one per call.
func (m *MockEngine) FailLaunch(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launchErrs = append(m.launchErrs, errs...)
}

// FailNext queues an error for the next call of op ("goto", "evaluate",
// "innerHTML", "fill", "click", "clickAt", "waitFor", "screenshot",
// "title", "storageState").
func (m *MockEngine) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opErrs[op] = append(m.opErrs[op], errs...)
}

// Kill makes the current page behave like a page whose browser died.
func (m *MockEngine) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.dead = true
	}
}

// Launches returns how many pages were launched successfully.
func (m *MockEngine) Launches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launches
}

// LastSnapshot returns the snapshot passed to the latest launch attempt.
func (m *MockEngine) LastSnapshot() *snapshot.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnapshot
}

func (m *MockEngine) Launch(ctx context.Context, opts LaunchOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("mock engine is closed")
	}
	m.lastSnapshot = opts.Snapshot
	if len(m.launchErrs) > 0 {
		err := m.launchErrs[0]
		m.launchErrs = m.launchErrs[1:]
		return nil, err
	}

	m.launches++
	m.current = &mockPage{
		engine:    m,
		url:       "about:blank",
		onConsole: opts.OnConsole,
	}
	return m.current, nil
}

func (m *MockEngine) Endpoint() string {
	return ""
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// takeErr pops a queued error for op. Callers hold m.mu.
func (m *MockEngine) takeErr(op string) error {
	queue := m.opErrs[op]
	if len(queue) == 0 {
		return nil
	}
	m.opErrs[op] = queue[1:]
	return queue[0]
}

type mockPage struct {
	engine    *MockEngine
	url       string
	title     string
	values    map[string]string
	onConsole func(console.Entry)
	dead      bool
	closed    bool
}

// begin locks the engine and returns any error the call must fail with.
func (p *mockPage) begin(op string) error {
	p.engine.mu.Lock()
	if p.dead || p.closed {
		return ErrMockClosed
	}
	return p.engine.takeErr(op)
}

func (p *mockPage) end() {
	p.engine.mu.Unlock()
}

func (p *mockPage) emit(kind, text string) {
	if p.onConsole != nil {
		p.onConsole(console.Entry{Type: kind, Text: text, Timestamp: time.Now()})
	}
}

func (p *mockPage) URL() string {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	return p.url
}

func (p *mockPage) Title() (string, error) {
	defer p.end()
	if err := p.begin("title"); err != nil {
		return "", err
	}
	return p.title, nil
}

func (p *mockPage) Goto(rawURL string, timeout time.Duration) error {
	defer p.end()
	if err := p.begin("goto"); err != nil {
		return err
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return failure.Navigation(rawURL, fmt.Errorf("invalid URL %q", rawURL))
	}

	p.url = rawURL
	p.values = nil
	if title, ok := p.engine.titles[rawURL]; ok {
		p.title = title
	} else {
		p.title = u.Host
	}
	p.emit("log", "navigated to "+rawURL)
	return nil
}

func (p *mockPage) Evaluate(script string) (any, error) {
	defer p.end()
	if err := p.begin("evaluate"); err != nil {
		return nil, err
	}

	if v, ok := p.engine.results[script]; ok {
		return v, nil
	}
	switch strings.TrimSpace(script) {
	case "document.title":
		return p.title, nil
	case "location.href", "window.location.href":
		return p.url, nil
	}
	return nil, nil
}

func (p *mockPage) InnerHTML(selector string) (string, error) {
	defer p.end()
	if err := p.begin("innerHTML"); err != nil {
		return "", err
	}
	html, ok := p.engine.elements[selector]
	if !ok {
		return "", failure.NotFound(selector)
	}
	return html, nil
}

func (p *mockPage) Fill(selector, value string) error {
	defer p.end()
	if err := p.begin("fill"); err != nil {
		return err
	}
	if _, ok := p.engine.elements[selector]; !ok {
		return failure.NotFound(selector)
	}
	if p.values == nil {
		p.values = make(map[string]string)
	}
	p.values[selector] = value
	return nil
}

func (p *mockPage) Click(selector string) error {
	defer p.end()
	if err := p.begin("click"); err != nil {
		return err
	}
	if _, ok := p.engine.elements[selector]; !ok {
		return failure.NotFound(selector)
	}
	p.emit("log", "clicked "+selector)
	return nil
}

func (p *mockPage) ClickAt(x, y float64) error {
	defer p.end()
	return p.begin("clickAt")
}

func (p *mockPage) WaitFor(selector string, timeout time.Duration) error {
	defer p.end()
	if err := p.begin("waitFor"); err != nil {
		return err
	}
	if _, ok := p.engine.elements[selector]; !ok {
		return failure.Timeout(selector, fmt.Errorf("Timeout %dms exceeded", timeout.Milliseconds()))
	}
	return nil
}

func (p *mockPage) Screenshot(path string, fullPage bool) error {
	defer p.end()
	if err := p.begin("screenshot"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, mockPNG, 0o644)
}

func (p *mockPage) StorageState() (*snapshot.Snapshot, error) {
	defer p.end()
	if err := p.begin("storageState"); err != nil {
		return nil, err
	}
	cookies := append([]snapshot.Cookie(nil), p.engine.cookies...)
	return &snapshot.Snapshot{Cookies: cookies, SavedAt: time.Now().UTC()}, nil
}

func (p *mockPage) Close() error {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.closed = true
	return nil
}
