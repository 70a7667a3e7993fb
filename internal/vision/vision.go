// Package vision implements the optional vision-assist commands. Visualize
// locates interactive elements through the DOM; detect and segment hand a
// screenshot to an external model endpoint and pass its answer through.
package vision

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shehryarbajwa/browser-agent/internal/failure"
)

// ErrNotConfigured is returned by detectors without an endpoint.
var ErrNotConfigured = errors.New("vision model endpoint is not configured")

// Element is one located thing on the page, addressed by its center point.
type Element struct {
	ID    int    `json:"id"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Label string `json:"label"`
}

// Result is what every vision command returns.
type Result struct {
	Elements []Element `json:"elements"`
	CSV      string    `json:"csv,omitempty"`
	Path     string    `json:"path"`
	CSVPath  string    `json:"csvPath,omitempty"`
}

// Browser is the subset of session operations vision needs.
type Browser interface {
	Evaluate(ctx context.Context, script string) (any, error)
	Screenshot(ctx context.Context, path string, fullPage bool) (string, error)
}

// Detector runs a model over a screenshot.
type Detector interface {
	Detect(ctx context.Context, imagePath string) ([]Element, error)
}

// Service runs vision commands against the session.
type Service struct {
	browser   Browser
	detector  Detector
	segmenter Detector
}

// NewService wires the vision commands. detector and segmenter may be nil.
func NewService(b Browser, detector, segmenter Detector) *Service {
	return &Service{browser: b, detector: detector, segmenter: segmenter}
}

const interactiveElementsScript = `() => {
  const selector = 'a[href], button, input, select, textarea, [role="button"], [role="link"], [onclick], [tabindex]:not([tabindex="-1"])';
  const out = [];
  document.querySelectorAll(selector).forEach((el) => {
    const r = el.getBoundingClientRect();
    if (r.width === 0 || r.height === 0) return;
    const style = window.getComputedStyle(el);
    if (style.visibility === 'hidden' || style.display === 'none') return;
    const raw = el.innerText || el.value || el.getAttribute('aria-label') || el.getAttribute('placeholder') || el.getAttribute('title') || el.tagName;
    const label = String(raw).trim().replace(/\s+/g, ' ').slice(0, 80);
    out.push({ id: out.length + 1, x: Math.round(r.left + r.width / 2), y: Math.round(r.top + r.height / 2), label });
  });
  return out;
}`

// Visualize lists the visible interactive elements and saves a screenshot
// to path. With withCSV the element table is also written next to it.
func (s *Service) Visualize(ctx context.Context, path string, withCSV bool) (*Result, error) {
	raw, err := s.browser.Evaluate(ctx, interactiveElementsScript)
	if err != nil {
		return nil, err
	}
	elements, err := decodeElements(raw)
	if err != nil {
		return nil, failure.Engine("visualize", err)
	}

	if _, err := s.browser.Screenshot(ctx, path, false); err != nil {
		return nil, err
	}

	res := &Result{Elements: elements, Path: path}
	if !withCSV {
		return res, nil
	}

	table, err := ToCSV(elements)
	if err != nil {
		return nil, failure.Engine("visualize", err)
	}
	csvPath := strings.TrimSuffix(path, ".png") + ".csv"
	if err := os.WriteFile(csvPath, []byte(table), 0o644); err != nil {
		return nil, failure.IO("write element table", err)
	}

	res.CSV = table
	res.CSVPath = csvPath
	return res, nil
}

// Detect runs the object detector over a fresh screenshot.
func (s *Service) Detect(ctx context.Context, path string) (*Result, error) {
	return s.runModel(ctx, "detect", s.detector, path)
}

// Segment runs the segmentation model over a fresh screenshot.
func (s *Service) Segment(ctx context.Context, path string) (*Result, error) {
	return s.runModel(ctx, "segment", s.segmenter, path)
}

func (s *Service) runModel(ctx context.Context, op string, d Detector, path string) (*Result, error) {
	if d == nil {
		return nil, failure.Engine(op, ErrNotConfigured)
	}
	if _, err := s.browser.Screenshot(ctx, path, false); err != nil {
		return nil, err
	}

	elements, err := d.Detect(ctx, path)
	if err != nil {
		return nil, failure.Engine(op, err)
	}
	table, err := ToCSV(elements)
	if err != nil {
		return nil, failure.Engine(op, err)
	}
	return &Result{Elements: elements, CSV: table, Path: path}, nil
}

// ToCSV renders elements as an id,label,x,y table.
func ToCSV(elements []Element) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "label", "x", "y"}); err != nil {
		return "", err
	}
	for _, e := range elements {
		record := []string{strconv.Itoa(e.ID), e.Label, strconv.Itoa(e.X), strconv.Itoa(e.Y)}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

func decodeElements(raw any) ([]Element, error) {
	if raw == nil {
		return []Element{}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var elements []Element
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("unexpected element list: %w", err)
	}
	return elements, nil
}

// HTTPDetector posts a PNG to a model server and reads back elements. The
// server may answer with a bare JSON array or with {"elements": [...]}.
type HTTPDetector struct {
	url    string
	client *http.Client
}

// NewHTTPDetector returns nil when url is empty so callers can pass the
// result straight to NewService.
func NewHTTPDetector(url string, timeout time.Duration) Detector {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPDetector{url: url, client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDetector) Detect(ctx context.Context, imagePath string) ([]Element, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call vision model: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read vision model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision model returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elements []Element
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, fmt.Errorf("decode vision model response: %w", err)
		}
		return elements, nil
	}

	var wrapped struct {
		Elements []Element `json:"elements"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode vision model response: %w", err)
	}
	return wrapped.Elements, nil
}
