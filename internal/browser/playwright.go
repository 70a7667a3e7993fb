package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-agent/internal/console"
	"github.com/shehryarbajwa/browser-agent/internal/failure"
	"github.com/shehryarbajwa/browser-agent/internal/snapshot"
)

// PlaywrightOptions configures how the Playwright engine obtains a browser.
type PlaywrightOptions struct {
	// CDPURL connects to an already running browser instead of launching one.
	CDPURL string

	// Containers, when set, starts a browser container for every launch and
	// connects to it over CDP.
	Containers *ContainerLauncher

	// InstallDriver downloads the Playwright driver and browsers on first use.
	InstallDriver bool
}

// PlaywrightEngine drives Chromium through playwright-go.
type PlaywrightEngine struct {
	mu          sync.Mutex
	opts        PlaywrightOptions
	pw          *playwright.Playwright
	endpoint    string
	containerID string
	logger      *zap.Logger
}

// NewPlaywrightEngine creates an engine. The driver starts lazily on the
// first Launch.
func NewPlaywrightEngine(opts PlaywrightOptions, logger *zap.Logger) *PlaywrightEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlaywrightEngine{
		opts:     opts,
		endpoint: opts.CDPURL,
		logger:   logger.Named("playwright"),
	}
}

func (e *PlaywrightEngine) ensureDriver() error {
	if e.pw != nil {
		return nil
	}

	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if e.opts.InstallDriver {
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	e.pw = pw
	return nil
}

// Launch starts (or connects to) a browser and opens one isolated context
// with one page.
func (e *PlaywrightEngine) Launch(ctx context.Context, opts LaunchOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureDriver(); err != nil {
		return nil, err
	}

	browser, err := e.openBrowser(ctx, opts)
	if err != nil {
		return nil, err
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	if !opts.Snapshot.Empty() {
		state, err := toStorageState(opts.Snapshot)
		if err != nil {
			browser.Close()
			return nil, fmt.Errorf("failed to convert session snapshot: %w", err)
		}
		contextOpts.StorageState = state
	}

	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(millis(opts.ActionTimeout))

	if opts.OnConsole != nil {
		onConsole := opts.OnConsole
		page.OnConsole(func(msg playwright.ConsoleMessage) {
			onConsole(console.Entry{
				Type:      msg.Type(),
				Text:      msg.Text(),
				Timestamp: time.Now(),
			})
		})
	}

	return &playwrightPage{
		browser: browser,
		context: bctx,
		page:    page,
		timeout: opts.ActionTimeout,
	}, nil
}

func (e *PlaywrightEngine) openBrowser(ctx context.Context, opts LaunchOptions) (playwright.Browser, error) {
	if e.opts.Containers != nil {
		if e.containerID != "" {
			e.stopContainer()
		}
		instance, err := e.opts.Containers.Start(ctx, uuid.New().String())
		if err != nil {
			return nil, fmt.Errorf("failed to start browser container: %w", err)
		}
		e.containerID = instance.ContainerID
		e.endpoint = instance.ConnectURL
		e.logger.Info("browser container started",
			zap.String("container", shortID(instance.ContainerID, 12)),
			zap.String("endpoint", instance.ConnectURL))
	}

	if e.endpoint != "" {
		browser, err := e.pw.Chromium.ConnectOverCDP(e.endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to connect over CDP to %s: %w", e.endpoint, err)
		}
		return browser, nil
	}

	browser, err := e.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return browser, nil
}

// Endpoint returns the CDP URL when connected to a remote browser.
func (e *PlaywrightEngine) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

// Close stops the browser container, if any, and the Playwright driver.
func (e *PlaywrightEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID != "" {
		e.stopContainer()
	}
	if e.opts.Containers != nil {
		_ = e.opts.Containers.Close()
	}
	if e.pw != nil {
		err := e.pw.Stop()
		e.pw = nil
		if err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
	}
	return nil
}

func (e *PlaywrightEngine) stopContainer() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.opts.Containers.Stop(ctx, e.containerID); err != nil {
		e.logger.Warn("failed to stop browser container", zap.String("container", e.containerID), zap.Error(err))
	}
	e.containerID = ""
	e.endpoint = ""
}

type playwrightPage struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Title() (string, error) {
	return p.page.Title()
}

func (p *playwrightPage) Goto(url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout: playwright.Float(millis(timeout)),
	})
	if err != nil {
		if failure.IsSessionLost(err) {
			return err
		}
		return failure.Navigation(url, err)
	}
	return nil
}

func (p *playwrightPage) Evaluate(script string) (any, error) {
	result, err := p.page.Evaluate(script)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// locate returns the first match for selector, or a not-found error when
// nothing matches right now.
func (p *playwrightPage) locate(selector string) (playwright.Locator, error) {
	loc := p.page.Locator(selector)
	count, err := loc.Count()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, failure.NotFound(selector)
	}
	return loc.First(), nil
}

func (p *playwrightPage) InnerHTML(selector string) (string, error) {
	loc, err := p.locate(selector)
	if err != nil {
		return "", err
	}
	html, err := loc.InnerHTML(playwright.LocatorInnerHTMLOptions{
		Timeout: playwright.Float(millis(p.timeout)),
	})
	if err != nil {
		return "", p.actionError(selector, err)
	}
	return html, nil
}

func (p *playwrightPage) Fill(selector, value string) error {
	loc, err := p.locate(selector)
	if err != nil {
		return err
	}
	err = loc.Fill(value, playwright.LocatorFillOptions{
		Timeout: playwright.Float(millis(p.timeout)),
	})
	return p.actionError(selector, err)
}

func (p *playwrightPage) Click(selector string) error {
	loc, err := p.locate(selector)
	if err != nil {
		return err
	}
	err = loc.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(millis(p.timeout)),
	})
	return p.actionError(selector, err)
}

func (p *playwrightPage) ClickAt(x, y float64) error {
	return p.page.Mouse().Click(x, y)
}

func (p *playwrightPage) WaitFor(selector string, timeout time.Duration) error {
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(millis(timeout)),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return failure.Timeout(selector, err)
		}
		return err
	}
	return nil
}

func (p *playwrightPage) Screenshot(path string, fullPage bool) error {
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(fullPage),
	})
	return err
}

func (p *playwrightPage) StorageState() (*snapshot.Snapshot, error) {
	state, err := p.context.StorageState()
	if err != nil {
		return nil, err
	}
	return fromStorageState(state)
}

// Close tears down page, context and browser, continuing past errors.
func (p *playwrightPage) Close() error {
	var errs []error
	if err := p.page.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.context.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.browser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *playwrightPage) actionError(selector string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return failure.Timeout(selector, err)
	}
	return err
}

// engineState is the JSON shape Playwright uses for storage state. The
// snapshot file uses "storage" instead of "origins".
type engineState struct {
	Cookies []snapshot.Cookie        `json:"cookies"`
	Origins []snapshot.OriginStorage `json:"origins"`
}

func toStorageState(snap *snapshot.Snapshot) (*playwright.OptionalStorageState, error) {
	data, err := json.Marshal(engineState{Cookies: snap.Cookies, Origins: snap.Storage})
	if err != nil {
		return nil, err
	}
	var state playwright.OptionalStorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func fromStorageState(state *playwright.StorageState) (*snapshot.Snapshot, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var es engineState
	if err := json.Unmarshal(data, &es); err != nil {
		return nil, err
	}
	return &snapshot.Snapshot{
		Cookies: es.Cookies,
		Storage: es.Origins,
		SavedAt: time.Now().UTC(),
	}, nil
}
