package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-agent/internal/browser"
	"github.com/shehryarbajwa/browser-agent/internal/console"
	"github.com/shehryarbajwa/browser-agent/internal/dispatch"
	"github.com/shehryarbajwa/browser-agent/internal/proxy"
	"github.com/shehryarbajwa/browser-agent/internal/ratelimit"
	"github.com/shehryarbajwa/browser-agent/internal/session"
	"github.com/shehryarbajwa/browser-agent/internal/snapshot"
	"github.com/shehryarbajwa/browser-agent/internal/vision"
)

type testServer struct {
	engine  *browser.MockEngine
	store   *snapshot.Store
	manager *session.Manager
	server  *httptest.Server
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()

	dir := t.TempDir()
	ts := &testServer{
		engine: browser.NewMockEngine(),
		store:  snapshot.NewStore(filepath.Join(dir, "session.json"), nil),
	}
	ring := console.NewRing(console.DefaultCapacity)
	ts.manager = session.NewManager(ts.engine, ts.store, ring, session.Options{}, nil)
	d := dispatch.New(ts.manager, ts.manager, ring, vision.NewService(ts.manager, nil, nil), dispatch.Options{
		ScreenshotDir: filepath.Join(dir, "shots"),
	}, nil)

	h := NewHandler(d, ts.manager, proxy.NewServer(ts.manager, nil), nil)
	ts.server = httptest.NewServer(h.SetupRoutes(NewSnapshotHandler(ts.store, ts.manager), limiter))
	t.Cleanup(func() {
		ts.server.Close()
		_ = ts.manager.Close(context.Background())
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func TestRoot(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	code, body := ts.do(t, http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, ServiceName, body["service"])
	assert.Equal(t, "uninitialized", body["state"])
}

func TestNavigateThenStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.engine.SetTitle("https://example.test", "Example Domain")

	code, body := ts.do(t, http.MethodPost, "/navigate", map[string]any{"url": "https://example.test"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "navigate", body["operation"])
	assert.Equal(t, "Example Domain", body["title"])
	assert.NotEmpty(t, body["id"])

	code, body = ts.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "https://example.test", body["url"])
	assert.Equal(t, true, body["sessionOpen"])
	assert.Equal(t, "ready", body["state"])
}

func TestErrorStatusCodes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	code, body := ts.do(t, http.MethodPost, "/navigate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing required argument: url", body["error"])
	assert.Equal(t, "validation", body["errorKind"])
	assert.Equal(t, session.StateUninitialized, ts.manager.State(), "validation never starts a session")

	code, body = ts.do(t, http.MethodPost, "/click", map[string]any{"selector": "#go"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Element not found: #go", body["error"])

	code, body = ts.do(t, http.MethodPost, "/wait", map[string]any{"selector": "#late", "timeout": 5})
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "timeout", body["errorKind"])

	code, body = ts.do(t, http.MethodPost, "/execute", `{"script":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "invalid request body")
}

func TestCommandRoute(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.engine.AddElement("#q", "<input id=q>")

	code, body := ts.do(t, http.MethodPost, "/command", map[string]any{
		"id":   "abc",
		"op":   "fill",
		"args": map[string]any{"selector": "#q", "value": ""},
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "abc", body["id"])
	assert.Equal(t, "#q", body["selector"])

	code, body = ts.do(t, http.MethodPost, "/command", map[string]any{"op": "reload"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, `unknown operation "reload"`, body["error"])
}

func TestConsoleLimitFromQuery(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	for _, u := range []string{"https://a.test", "https://b.test", "https://c.test"} {
		code, _ := ts.do(t, http.MethodPost, "/navigate", map[string]any{"url": u})
		require.Equal(t, http.StatusOK, code)
	}

	code, body := ts.do(t, http.MethodGet, "/console?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["showing"])
	assert.Equal(t, float64(3), body["total"])
	logs := body["logs"].([]any)
	assert.Equal(t, "navigated to https://c.test", logs[1].(map[string]any)["text"])
}

func TestRecoveredResponse(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	code, _ := ts.do(t, http.MethodPost, "/navigate", map[string]any{"url": "https://example.test"})
	require.Equal(t, http.StatusOK, code)

	ts.engine.Kill()
	code, body := ts.do(t, http.MethodPost, "/execute", map[string]any{"script": "document.title"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["recovered"])
	assert.Equal(t, "session_timeout", body["recoveryReason"])
}

func TestClosedSessionConflicts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	require.NoError(t, ts.manager.Close(context.Background()))

	code, body := ts.do(t, http.MethodPost, "/execute", map[string]any{"script": "1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "closed", body["errorKind"])
}

func TestDebugWithoutRemoteBrowser(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	code, body := ts.do(t, http.MethodGet, "/debug", nil)

	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, proxy.ErrNoEndpoint.Error(), body["error"])
}

func TestSnapshotRoutes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.engine.SetCookies([]snapshot.Cookie{{Name: "sid", Value: "secret", Domain: "example.test", Path: "/"}})

	code, _ := ts.do(t, http.MethodGet, "/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodPost, "/navigate", map[string]any{"url": "https://example.test"})
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodPost, "/snapshot", nil)
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		code, body := ts.do(t, http.MethodGet, "/snapshot", nil)
		return code == http.StatusOK && body["cookies"] == float64(1)
	}, time.Second, 10*time.Millisecond)

	code, body := ts.do(t, http.MethodDelete, "/snapshot", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["existed"])

	code, _ = ts.do(t, http.MethodGet, "/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRateLimitPerClient(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, ratelimit.NewLimiter(3600, 2))

	for i := 0; i < 2; i++ {
		code, _ := ts.do(t, http.MethodPost, "/console", nil, ClientIDHeader, "agent-1")
		assert.Equal(t, http.StatusOK, code)
	}
	code, body := ts.do(t, http.MethodPost, "/console", nil, ClientIDHeader, "agent-1")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Contains(t, body["error"], "Rate limit exceeded")

	code, _ = ts.do(t, http.MethodPost, "/console", nil, ClientIDHeader, "agent-2")
	assert.Equal(t, http.StatusOK, code)

	code, _ = ts.do(t, http.MethodGet, "/", nil, ClientIDHeader, "agent-1")
	assert.Equal(t, http.StatusOK, code, "root is not limited")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodOptions, ts.server.URL+"/navigate", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
