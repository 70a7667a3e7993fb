// Package app assembles the browser service from its configuration and runs
// it until the context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-agent/internal/api"
	"github.com/shehryarbajwa/browser-agent/internal/browser"
	"github.com/shehryarbajwa/browser-agent/internal/config"
	"github.com/shehryarbajwa/browser-agent/internal/console"
	"github.com/shehryarbajwa/browser-agent/internal/dispatch"
	"github.com/shehryarbajwa/browser-agent/internal/proxy"
	"github.com/shehryarbajwa/browser-agent/internal/ratelimit"
	"github.com/shehryarbajwa/browser-agent/internal/session"
	"github.com/shehryarbajwa/browser-agent/internal/snapshot"
	"github.com/shehryarbajwa/browser-agent/internal/vision"
)

const (
	limiterSweepInterval = 10 * time.Minute
	limiterIdle          = 2 * time.Hour
	visionTimeout        = time.Minute
)

// App is one configured service instance.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	engine     browser.Engine
	store      *snapshot.Store
	ring       *console.Ring
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	router     http.Handler
}

// NewEngine builds the browser engine for cfg.Mode.
func NewEngine(cfg *config.Config, logger *zap.Logger) (browser.Engine, error) {
	switch cfg.Mode {
	case config.ModeMock:
		return browser.NewMockEngine(), nil
	case config.ModeLocal:
		return browser.NewPlaywrightEngine(browser.PlaywrightOptions{InstallDriver: true}, logger), nil
	case config.ModeCDP:
		return browser.NewPlaywrightEngine(browser.PlaywrightOptions{CDPURL: cfg.CDPURL}, logger), nil
	case config.ModeContainer:
		launcher, err := browser.NewContainerLauncher(cfg.ContainerImage)
		if err != nil {
			return nil, err
		}
		return browser.NewPlaywrightEngine(browser.PlaywrightOptions{Containers: launcher}, logger), nil
	}
	return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
}

// New wires every component. It does not start a browser.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, engine, logger), nil
}

func newApp(cfg *config.Config, engine browser.Engine, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		store:  snapshot.NewStore(cfg.SnapshotPath, logger),
		ring:   console.NewRing(cfg.ConsoleCapacity),
	}

	a.manager = session.NewManager(engine, a.store, a.ring, session.Options{
		Headless:          cfg.Headless,
		ActionTimeout:     cfg.ActionTimeout,
		NavigationTimeout: cfg.NavigationTimeout,
		WaitTimeout:       cfg.WaitTimeout,
	}, logger)

	vis := vision.NewService(a.manager,
		vision.NewHTTPDetector(cfg.VisionDetectURL, visionTimeout),
		vision.NewHTTPDetector(cfg.VisionSegmentURL, visionTimeout))

	a.dispatcher = dispatch.New(a.manager, a.manager, a.ring, vis, dispatch.Options{
		ScreenshotDir: cfg.ScreenshotDir,
	}, logger)

	if cfg.RateLimitPerHour > 0 {
		a.limiter = ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	}

	h := api.NewHandler(a.dispatcher, a.manager, proxy.NewServer(a.manager, logger), logger)
	a.router = h.SetupRoutes(api.NewSnapshotHandler(a.store, a.manager), a.limiter)
	return a
}

// Handler returns the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.router
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Run listens on the configured address and serves until ctx is done,
// then shuts down within the configured grace period.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := api.NewServer(ln.Addr().String(), a.router, a.logger)

	bg, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go a.warmUp(bg)
	if a.limiter != nil {
		go a.sweepLimiter(bg)
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("mode", a.cfg.Mode),
			zap.Bool("headless", a.cfg.Headless),
			zap.String("snapshot", a.cfg.SnapshotPath))
		serveErr <- srv.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down", zap.Duration("grace", a.cfg.ShutdownGrace))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}
	stopBackground()

	drain, teardown := shutdownBudgets(a.cfg.ShutdownGrace)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drain)
	defer cancelDrain()
	if err := srv.Shutdown(drainCtx); err != nil {
		a.logger.Warn("http server did not drain in time", zap.Error(err))
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), teardown)
	defer cancelClose()
	if err := a.manager.Close(closeCtx); err != nil {
		a.logger.Warn("browser session did not close cleanly", zap.Error(err))
	}
	a.logger.Info("server stopped")
	return runErr
}

// shutdownBudgets splits the grace period so that slow requests cannot use
// up the time reserved for saving and closing the session.
func shutdownBudgets(grace time.Duration) (drain, teardown time.Duration) {
	drain = grace / 2
	return drain, grace - drain
}

// warmUp starts the session eagerly so the first command does not pay for
// the browser launch. Failure is logged; the next command retries.
func (a *App) warmUp(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.NavigationTimeout*2)
	defer cancel()
	if err := a.manager.Initialize(ctx); err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("eager browser start failed, will retry on first command", zap.Error(err))
		}
		return
	}
	a.logger.Info("browser session ready", zap.String("state", a.manager.State().String()))
}

func (a *App) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Sweep(limiterIdle); n > 0 {
				a.logger.Debug("dropped idle rate limit clients", zap.Int("clients", n))
			}
		}
	}
}
