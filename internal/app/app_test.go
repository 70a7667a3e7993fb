package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-agent/internal/browser"
	"github.com/shehryarbajwa/browser-agent/internal/config"
	"github.com/shehryarbajwa/browser-agent/internal/session"
	"github.com/shehryarbajwa/browser-agent/internal/snapshot"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Host:              "127.0.0.1",
		Port:              3001,
		DataDir:           dir,
		SnapshotPath:      filepath.Join(dir, "session.json"),
		ScreenshotDir:     filepath.Join(dir, "screenshots"),
		Mode:              config.ModeMock,
		NavigationTimeout: 5 * time.Second,
		WaitTimeout:       time.Second,
		ActionTimeout:     time.Second,
		ConsoleCapacity:   10,
		ShutdownGrace:     2 * time.Second,
		RateLimitPerHour:  1000,
		RateLimitBurst:    100,
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = config.ModeCDP

	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "cdp mode requires cdp_url")
}

func TestNewEngineByMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &browser.MockEngine{}, engine)

	cfg.Mode = config.ModeCDP
	cfg.CDPURL = "ws://127.0.0.1:9222"
	engine, err = NewEngine(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222", engine.Endpoint())

	cfg.Mode = "remote"
	_, err = NewEngine(cfg, nil)
	assert.Error(t, err)
}

func TestServeAndGracefulShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	engine := browser.NewMockEngine()
	engine.SetCookies([]snapshot.Cookie{{Name: "sid", Value: "1", Domain: "example.test", Path: "/"}})
	a := newApp(cfg, engine, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		return a.Manager().State() == session.StateReady
	}, 2*time.Second, 10*time.Millisecond, "session starts eagerly")

	body, _ := json.Marshal(map[string]any{"url": "https://example.test"})
	resp, err := http.Post("http://"+ln.Addr().String()+"/navigate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop within the grace period")
	}

	assert.Equal(t, session.StateClosed, a.Manager().State())
	snap, err := snapshot.NewStore(cfg.SnapshotPath, nil).Load(context.Background())
	require.NoError(t, err, "shutdown saves the session")
	assert.Len(t, snap.Cookies, 1)
}

func TestShutdownBudgetsReserveTeardownTime(t *testing.T) {
	t.Parallel()

	for _, grace := range []time.Duration{time.Second, 10 * time.Second, 3 * time.Nanosecond} {
		drain, teardown := shutdownBudgets(grace)
		assert.Equal(t, grace, drain+teardown)
		assert.GreaterOrEqual(t, teardown, drain)
		assert.Positive(t, teardown)
	}
}

// hangingEngine never finishes stopping.
type hangingEngine struct {
	*browser.MockEngine
	release chan struct{}
}

func (e *hangingEngine) Close() error {
	<-e.release
	return nil
}

func TestServeReturnsWhenEngineHangsOnShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ShutdownGrace = 300 * time.Millisecond
	engine := &hangingEngine{MockEngine: browser.NewMockEngine(), release: make(chan struct{})}
	t.Cleanup(func() { close(engine.release) })
	engine.SetCookies([]snapshot.Cookie{{Name: "sid", Value: "1", Domain: "example.test", Path: "/"}})
	a := newApp(cfg, engine, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		return a.Manager().State() == session.StateReady
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server kept waiting for the browser engine")
	}

	assert.Equal(t, session.StateClosed, a.Manager().State())
	_, err = snapshot.NewStore(cfg.SnapshotPath, nil).Load(context.Background())
	assert.NoError(t, err, "snapshot is saved before the engine is abandoned")
}
