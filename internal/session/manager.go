// Package session owns the single live browser session. Every engine call,
// initialization and recovery goes through one gate, so commands always see
// a consistent session and never race to rebuild it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browser-agent/internal/browser"
	"github.com/shehryarbajwa/browser-agent/internal/console"
	"github.com/shehryarbajwa/browser-agent/internal/failure"
	"github.com/shehryarbajwa/browser-agent/internal/snapshot"
)

// Defaults used when Options leaves a timeout unset.
const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultWaitTimeout       = 10 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
	snapshotSaveTimeout      = 10 * time.Second
)

// SnapshotStore persists session snapshots.
type SnapshotStore interface {
	Load(ctx context.Context) (*snapshot.Snapshot, error)
	Save(ctx context.Context, snap *snapshot.Snapshot) error
	Clear(ctx context.Context) (bool, error)
}

// PageInfo identifies the page currently shown.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Info is a point-in-time view of the manager.
type Info struct {
	State      State     `json:"state"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	Recoveries int       `json:"recoveries"`
}

// Options configures the session the manager creates.
type Options struct {
	Headless          bool
	Viewport          browser.Viewport
	ActionTimeout     time.Duration
	NavigationTimeout time.Duration
	WaitTimeout       time.Duration

	// CloseTimeout bounds how long discarding an old handle may take.
	CloseTimeout time.Duration

	// OnStateChange, when set, observes every transition.
	OnStateChange func(from, to State)
}

// Manager owns the browser session handle.
type Manager struct {
	gate *semaphore.Weighted

	mu         sync.RWMutex // guards the fields below for readers outside the gate
	state      State
	page       browser.Page
	createdAt  time.Time
	url        string
	title      string
	recoveries int

	engine browser.Engine
	store  SnapshotStore
	ring   *console.Ring
	opts   Options
	logger *zap.Logger

	saveMu  sync.Mutex
	saveSeq atomic.Uint64
	saves   sync.WaitGroup
}

// NewManager creates a manager in the uninitialized state. ring may be nil
// when console capture is not wanted.
func NewManager(engine browser.Engine, store SnapshotStore, ring *console.Ring, opts Options, logger *zap.Logger) *Manager {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = DefaultNavigationTimeout
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = browser.DefaultActionTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gate:   semaphore.NewWeighted(1),
		state:  StateUninitialized,
		engine: engine,
		store:  store,
		ring:   ring,
		opts:   opts,
		logger: logger.Named("session"),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Info returns the cached session details without touching the engine.
func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		State:      m.state,
		URL:        m.url,
		Title:      m.title,
		CreatedAt:  m.createdAt,
		Recoveries: m.recoveries,
	}
}

// DebugEndpoint returns the engine's CDP URL while a session is ready.
func (m *Manager) DebugEndpoint() string {
	if m.State() != StateReady {
		return ""
	}
	return m.engine.Endpoint()
}

// Initialize brings the session up if it is not already ready.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.gate.Release(1)
	return m.ensureReadyLocked(ctx)
}

// Recover discards the current session and creates a fresh one without
// restoring any snapshot. The caller is responsible for clearing the stale
// snapshot first, through ClearSnapshot.
func (m *Manager) Recover(ctx context.Context, reason string) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.gate.Release(1)

	// Background saves captured from the lost session are stale.
	m.saveSeq.Add(1)

	if m.State() == StateClosed {
		return failure.ErrClosed
	}

	m.setState(StateRecovering)
	m.mu.Lock()
	m.recoveries++
	m.mu.Unlock()
	m.logger.Warn("recovering browser session", zap.String("reason", reason))

	m.discardLocked()

	page, err := m.launch(ctx, nil)
	if err != nil {
		m.setState(StateFailed)
		m.logger.Error("browser session recovery failed", zap.Error(err))
		return fmt.Errorf("recover browser session: %w", err)
	}
	m.install(page)
	return nil
}

// Status reads the current URL and title from the page.
func (m *Manager) Status(ctx context.Context) (PageInfo, error) {
	var info PageInfo
	err := m.withPage(ctx, "status", func(p browser.Page) error {
		var err error
		info, err = m.refresh(p)
		return err
	})
	return info, err
}

// Navigate loads url and waits for the load event. A snapshot of the
// resulting cookies and storage is saved in the background.
func (m *Manager) Navigate(ctx context.Context, url string, timeout time.Duration) (PageInfo, error) {
	if timeout <= 0 {
		timeout = m.opts.NavigationTimeout
	}

	var info PageInfo
	err := m.withPage(ctx, "navigate", func(p browser.Page) error {
		if err := p.Goto(url, timeout); err != nil {
			return err
		}
		var err error
		if info, err = m.refresh(p); err != nil {
			return err
		}

		snap, err := p.StorageState()
		if err != nil {
			m.logger.Warn("failed to capture session state", zap.String("url", info.URL), zap.Error(err))
			return nil
		}
		m.saveAsync(snap)
		return nil
	})
	return info, err
}

// Evaluate runs script in the page and returns its JSON-compatible result.
func (m *Manager) Evaluate(ctx context.Context, script string) (any, error) {
	var result any
	err := m.withPage(ctx, "execute", func(p browser.Page) error {
		v, err := p.Evaluate(browser.NormalizeScript(script))
		if err != nil {
			return err
		}
		if _, err := json.Marshal(v); err != nil {
			return failure.Serialization(err)
		}
		result = v
		return nil
	})
	return result, err
}

// QueryHTML returns the inner HTML of the first element matching selector.
func (m *Manager) QueryHTML(ctx context.Context, selector string) (string, error) {
	if selector == "" {
		selector = "body"
	}
	var html string
	err := m.withPage(ctx, "dom", func(p browser.Page) error {
		var err error
		html, err = p.InnerHTML(selector)
		return err
	})
	return html, err
}

// Fill sets the value of the input matching selector.
func (m *Manager) Fill(ctx context.Context, selector, value string) error {
	return m.withPage(ctx, "fill", func(p browser.Page) error {
		return p.Fill(selector, value)
	})
}

// Click clicks the element matching selector.
func (m *Manager) Click(ctx context.Context, selector string) error {
	return m.withPage(ctx, "click", func(p browser.Page) error {
		if err := p.Click(selector); err != nil {
			return err
		}
		m.mu.Lock()
		m.url = p.URL()
		m.mu.Unlock()
		return nil
	})
}

// ClickAt clicks the viewport coordinates x, y.
func (m *Manager) ClickAt(ctx context.Context, x, y float64) error {
	return m.withPage(ctx, "click_at", func(p browser.Page) error {
		return p.ClickAt(x, y)
	})
}

// WaitFor blocks until selector matches an element or timeout expires.
func (m *Manager) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.opts.WaitTimeout
	}
	return m.withPage(ctx, "wait", func(p browser.Page) error {
		return p.WaitFor(selector, timeout)
	})
}

// Screenshot writes a PNG of the page to path and returns it.
func (m *Manager) Screenshot(ctx context.Context, path string, fullPage bool) (string, error) {
	err := m.withPage(ctx, "screenshot", func(p browser.Page) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return failure.IO("create screenshot directory", err)
		}
		return p.Screenshot(path, fullPage)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// SaveSnapshot captures and persists the session state synchronously. It
// does nothing unless a session is ready.
func (m *Manager) SaveSnapshot(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.gate.Release(1)
	return m.saveLocked(ctx)
}

// ClearSnapshot removes the persisted snapshot. Background saves that have
// not started are cancelled and one already writing is waited for, so none
// of them can put the snapshot back afterwards.
func (m *Manager) ClearSnapshot(ctx context.Context) (bool, error) {
	m.saveSeq.Add(1)
	if err := m.lockSaves(ctx); err != nil {
		return false, fmt.Errorf("clear session snapshot: %w", err)
	}
	defer m.saveMu.Unlock()
	return m.store.Clear(ctx)
}

// lockSaves takes saveMu, giving up when ctx ends.
func (m *Manager) lockSaves(ctx context.Context) error {
	locked := make(chan struct{})
	go func() {
		m.saveMu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		return nil
	case <-ctx.Done():
		go func() {
			<-locked
			m.saveMu.Unlock()
		}()
		return ctx.Err()
	}
}

// Close saves a final snapshot, tears the session down and stops the
// engine. If an operation holds the gate past ctx, Close marks the manager
// closed and returns without a clean teardown. An engine that does not stop
// before ctx ends is abandoned.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.gate.Acquire(ctx, 1); err != nil {
		m.setState(StateClosed)
		return fmt.Errorf("close browser session: %w", err)
	}
	defer m.gate.Release(1)

	if m.State() == StateClosed {
		return nil
	}

	if err := m.saveLocked(ctx); err != nil {
		m.logger.Warn("failed to save session snapshot on shutdown", zap.Error(err))
	}
	m.discardLocked()
	m.setState(StateClosed)

	done := make(chan struct{})
	go func() {
		m.saves.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("pending snapshot saves abandoned", zap.Error(ctx.Err()))
	}

	stopped := make(chan error, 1)
	go func() { stopped <- m.engine.Close() }()

	select {
	case err := <-stopped:
		if err != nil {
			return fmt.Errorf("close browser engine: %w", err)
		}
		return nil
	case <-ctx.Done():
		m.logger.Warn("browser engine did not stop in time", zap.Error(ctx.Err()))
		return fmt.Errorf("close browser engine: %w", ctx.Err())
	}
}

func (m *Manager) acquire(ctx context.Context) error {
	if err := m.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for browser session: %w", err)
	}
	return nil
}

// withPage runs fn against a ready session, initializing one if needed.
func (m *Manager) withPage(ctx context.Context, op string, fn func(browser.Page) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.gate.Release(1)

	if err := m.ensureReadyLocked(ctx); err != nil {
		return err
	}
	return engineError(op, fn(m.page))
}

func (m *Manager) ensureReadyLocked(ctx context.Context) error {
	switch m.State() {
	case StateClosed:
		return failure.ErrClosed
	case StateReady:
		return nil
	}
	return m.initLocked(ctx)
}

// initLocked creates a session, restoring the saved snapshot when there is
// one. A launch that fails with a restored snapshot clears it and retries
// once from scratch.
func (m *Manager) initLocked(ctx context.Context) error {
	m.setState(StateInitializing)

	var snap *snapshot.Snapshot
	loaded, err := m.store.Load(ctx)
	switch {
	case err == nil:
		snap = loaded
	case errors.Is(err, snapshot.ErrNotFound):
	default:
		m.logger.Warn("failed to load session snapshot", zap.Error(err))
	}

	page, err := m.launch(ctx, snap)
	if err != nil && snap != nil && ctx.Err() == nil {
		m.logger.Warn("launch with restored snapshot failed, starting fresh", zap.Error(err))
		if _, clearErr := m.store.Clear(ctx); clearErr != nil {
			m.logger.Warn("failed to clear stale session snapshot", zap.Error(clearErr))
		}
		page, err = m.launch(ctx, nil)
	}
	if err != nil {
		m.setState(StateFailed)
		m.logger.Error("browser session initialization failed", zap.Error(err))
		return fmt.Errorf("initialize browser session: %w", err)
	}

	m.install(page)
	if snap != nil {
		m.logger.Info("session restored from snapshot",
			zap.Int("cookies", len(snap.Cookies)),
			zap.Int("origins", len(snap.Storage)))
	}
	return nil
}

func (m *Manager) launch(ctx context.Context, snap *snapshot.Snapshot) (browser.Page, error) {
	opts := browser.LaunchOptions{
		Headless:      m.opts.Headless,
		Viewport:      m.opts.Viewport,
		Snapshot:      snap,
		ActionTimeout: m.opts.ActionTimeout,
	}
	if m.ring != nil {
		opts.OnConsole = m.ring.Append
	}
	return m.engine.Launch(ctx, opts)
}

func (m *Manager) install(page browser.Page) {
	m.mu.Lock()
	m.page = page
	m.createdAt = time.Now()
	m.url = page.URL()
	m.title = ""
	m.mu.Unlock()
	m.setState(StateReady)
}

// discardLocked closes the current handle, giving up after CloseTimeout so a
// hung engine cannot wedge the manager.
func (m *Manager) discardLocked() {
	m.mu.Lock()
	page := m.page
	m.page = nil
	m.mu.Unlock()

	if page == nil {
		return
	}

	done := make(chan error, 1)
	go func() { done <- page.Close() }()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Debug("error closing old session", zap.Error(err))
		}
	case <-time.After(m.opts.CloseTimeout):
		m.logger.Warn("timed out closing old session", zap.Duration("timeout", m.opts.CloseTimeout))
	}
}

func (m *Manager) refresh(p browser.Page) (PageInfo, error) {
	title, err := p.Title()
	if err != nil {
		return PageInfo{}, err
	}
	info := PageInfo{URL: p.URL(), Title: title}

	m.mu.Lock()
	m.url = info.URL
	m.title = info.Title
	m.mu.Unlock()
	return info, nil
}

func (m *Manager) saveLocked(ctx context.Context) error {
	m.mu.RLock()
	page, state := m.page, m.state
	m.mu.RUnlock()

	if state != StateReady || page == nil {
		return nil
	}
	snap, err := page.StorageState()
	if err != nil {
		return fmt.Errorf("capture session state: %w", err)
	}

	m.saveSeq.Add(1)
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return m.store.Save(ctx, snap)
}

// saveAsync persists snap in the background. Saves run one at a time and a
// save that has been superseded by a newer one is skipped.
func (m *Manager) saveAsync(snap *snapshot.Snapshot) {
	seq := m.saveSeq.Add(1)
	m.saves.Add(1)

	go func() {
		defer m.saves.Done()

		m.saveMu.Lock()
		defer m.saveMu.Unlock()
		if m.saveSeq.Load() != seq {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
		defer cancel()
		if err := m.store.Save(ctx, snap); err != nil {
			m.logger.Warn("failed to save session snapshot", zap.Error(err))
		}
	}()
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Debug("session state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(from, to)
	}
}

// engineError gives raw engine errors a failure kind. Errors that already
// carry one pass through.
func engineError(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if failure.IsSessionLost(err) {
		return failure.SessionLost(err)
	}
	return failure.Engine(op, err)
}
