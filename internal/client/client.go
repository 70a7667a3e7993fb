// Package client talks to a running browser-agent server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/shehryarbajwa/browser-agent/pkg/models"
)

// DefaultTimeout covers the slowest command, a navigation at its default
// deadline plus one recovery.
const DefaultTimeout = 2 * time.Minute

// ErrUnreachable is returned when nothing accepts connections at the
// server URL.
var ErrUnreachable = errors.New("could not connect to server, is it running? (browser-agent server start)")

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Run sends cmd to the server. A failed command is not an error here;
// inspect Result.Success.
func (c *Client) Run(ctx context.Context, cmd models.Command) (models.Result, error) {
	var res models.Result
	if err := c.do(ctx, http.MethodPost, "/command", cmd, &res); err != nil {
		return models.Result{}, err
	}
	return res, nil
}

// Root fetches the server's liveness document.
func (c *Client) Root(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", ErrUnreachable, c.baseURL)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}
