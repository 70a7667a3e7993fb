// Package dispatch turns validated commands into session operations and
// uniform results. A command whose session died underneath it is retried
// once on a freshly recovered session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browser-agent/internal/console"
	"github.com/shehryarbajwa/browser-agent/internal/failure"
	"github.com/shehryarbajwa/browser-agent/internal/session"
	"github.com/shehryarbajwa/browser-agent/internal/vision"
	"github.com/shehryarbajwa/browser-agent/pkg/models"
)

// DefaultConsoleLimit is how many console entries a console command shows
// when no limit is given.
const DefaultConsoleLimit = 20

// Browser is the set of session operations commands map onto.
type Browser interface {
	Status(ctx context.Context) (session.PageInfo, error)
	Navigate(ctx context.Context, url string, timeout time.Duration) (session.PageInfo, error)
	Evaluate(ctx context.Context, script string) (any, error)
	QueryHTML(ctx context.Context, selector string) (string, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	ClickAt(ctx context.Context, x, y float64) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Screenshot(ctx context.Context, path string, fullPage bool) (string, error)
	Recover(ctx context.Context, reason string) error
	State() session.State
}

// SnapshotClearer drops the persisted session snapshot.
type SnapshotClearer interface {
	ClearSnapshot(ctx context.Context) (bool, error)
}

// Options configures a Dispatcher.
type Options struct {
	ScreenshotDir string
	ConsoleLimit  int
	Now           func() time.Time
}

// Dispatcher runs one command at a time against the session.
type Dispatcher struct {
	browser  Browser
	store    SnapshotClearer
	ring     *console.Ring
	vision   *vision.Service
	inflight *semaphore.Weighted
	opts     Options
	logger   *zap.Logger
}

// New creates a dispatcher. ring and vis may be nil; console commands then
// report nothing and vision commands fail.
func New(b Browser, store SnapshotClearer, ring *console.Ring, vis *vision.Service, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.ConsoleLimit <= 0 {
		opts.ConsoleLimit = DefaultConsoleLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ScreenshotDir == "" {
		opts.ScreenshotDir = "screenshots"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		browser:  b,
		store:    store,
		ring:     ring,
		vision:   vis,
		inflight: semaphore.NewWeighted(1),
		opts:     opts,
		logger:   logger.Named("dispatch"),
	}
}

// Dispatch executes cmd and always returns a result.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd models.Command) models.Result {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	log := d.logger.With(zap.String("command_id", cmd.ID), zap.String("op", string(cmd.Op)))

	if err := Validate(cmd); err != nil {
		log.Debug("rejected command", zap.Error(err))
		return failed(cmd, err)
	}

	if err := d.inflight.Acquire(ctx, 1); err != nil {
		return failed(cmd, &failure.Error{
			Kind: failure.KindTimeout,
			Op:   string(cmd.Op),
			Msg:  "command abandoned while queued",
			Err:  err,
		})
	}
	defer d.inflight.Release(1)

	start := time.Now()
	payload, err := d.run(ctx, cmd)
	if err == nil {
		log.Debug("command finished", zap.Duration("took", time.Since(start)))
		return succeeded(cmd, payload)
	}
	if !failure.IsSessionLost(err) {
		log.Info("command failed", zap.Error(err))
		return failed(cmd, err)
	}

	log.Warn("browser session lost, recovering", zap.Error(err))
	if _, cerr := d.store.ClearSnapshot(ctx); cerr != nil {
		log.Warn("failed to clear session snapshot", zap.Error(cerr))
	}
	if rerr := d.browser.Recover(ctx, models.RecoveryReasonSessionTimeout); rerr != nil {
		log.Error("session recovery failed", zap.Error(rerr))
		return failed(cmd, err)
	}

	payload, retryErr := d.run(ctx, cmd)
	if retryErr != nil {
		log.Error("command failed after recovery", zap.Error(retryErr))
		return failed(cmd, err)
	}
	log.Info("command succeeded after recovery", zap.Duration("took", time.Since(start)))

	res := succeeded(cmd, payload)
	res.Recovered = true
	res.RecoveryReason = models.RecoveryReasonSessionTimeout
	return res
}

// run performs one attempt. Panics from the engine surface as errors.
func (d *Dispatcher) run(ctx context.Context, cmd models.Command) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovered panic in command", zap.String("op", string(cmd.Op)), zap.Any("panic", r))
			payload = nil
			err = failure.Engine(string(cmd.Op), fmt.Errorf("panic: %v", r))
		}
	}()

	a := cmd.Args
	switch cmd.Op {
	case models.OpStatus:
		info, err := d.browser.Status(ctx)
		if err != nil {
			return nil, err
		}
		state := d.browser.State()
		return map[string]any{
			"url":         info.URL,
			"title":       info.Title,
			"timestamp":   d.opts.Now().UTC().Format(time.RFC3339),
			"sessionOpen": state == session.StateReady,
			"ready":       true,
			"state":       state.String(),
		}, nil

	case models.OpNavigate:
		info, err := d.browser.Navigate(ctx, strings.TrimSpace(a.URL), millis(a.Timeout))
		if err != nil {
			return nil, err
		}
		return map[string]any{"url": info.URL, "title": info.Title}, nil

	case models.OpExecute:
		v, err := d.browser.Evaluate(ctx, a.Script)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": v}, nil

	case models.OpDOM:
		selector := a.Selector
		if blank(selector) {
			selector = "body"
		}
		html, err := d.browser.QueryHTML(ctx, selector)
		if err != nil {
			return nil, err
		}
		return map[string]any{"html": html, "selector": selector}, nil

	case models.OpScreenshot:
		path, err := d.browser.Screenshot(ctx, d.imagePath("screenshot", a.Name), a.FullPage)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path}, nil

	case models.OpConsole:
		return d.consolePayload(a.Limit), nil

	case models.OpWait:
		if err := d.browser.WaitFor(ctx, a.Selector, millis(a.Timeout)); err != nil {
			return nil, err
		}
		return map[string]any{"selector": a.Selector}, nil

	case models.OpFill:
		if err := d.browser.Fill(ctx, a.Selector, *a.Value); err != nil {
			return nil, err
		}
		return map[string]any{"selector": a.Selector}, nil

	case models.OpClick:
		if err := d.browser.Click(ctx, a.Selector); err != nil {
			return nil, err
		}
		return map[string]any{"selector": a.Selector}, nil

	case models.OpClickAt:
		if err := d.browser.ClickAt(ctx, *a.X, *a.Y); err != nil {
			return nil, err
		}
		return map[string]any{"x": *a.X, "y": *a.Y}, nil

	case models.OpVisualize, models.OpDetect, models.OpSegment:
		return d.runVision(ctx, cmd)
	}
	return nil, failure.Validation(string(cmd.Op), "unknown operation %q", cmd.Op)
}

func (d *Dispatcher) runVision(ctx context.Context, cmd models.Command) (map[string]any, error) {
	op := string(cmd.Op)
	if d.vision == nil {
		return nil, failure.Engine(op, errors.New("vision commands are disabled"))
	}

	path := d.imagePath(op, cmd.Args.Name)
	var (
		res *vision.Result
		err error
	)
	switch cmd.Op {
	case models.OpVisualize:
		res, err = d.vision.Visualize(ctx, path, cmd.Args.WantsCSV())
	case models.OpDetect:
		res, err = d.vision.Detect(ctx, path)
	default:
		res, err = d.vision.Segment(ctx, path)
	}
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"elements":      res.Elements,
		"elementsCount": len(res.Elements),
		"path":          res.Path,
	}
	if cmd.Args.WantsCSV() {
		payload["csv"] = res.CSV
	}
	if res.CSVPath != "" {
		payload["csvPath"] = res.CSVPath
	}
	return payload, nil
}

func (d *Dispatcher) consolePayload(limit int) map[string]any {
	if limit <= 0 {
		limit = d.opts.ConsoleLimit
	}
	logs := []console.Entry{}
	var total int64
	if d.ring != nil {
		logs = append(logs, d.ring.Recent(limit)...)
		total = d.ring.Total()
	}
	return map[string]any{"logs": logs, "showing": len(logs), "total": total}
}

// imagePath resolves a screenshot file name inside the screenshot directory,
// generating a timestamped one when name is empty.
func (d *Dispatcher) imagePath(prefix, name string) string {
	if name == "" {
		name = fmt.Sprintf("%s_%d", prefix, d.opts.Now().UnixMilli())
	}
	if !strings.EqualFold(filepath.Ext(name), ".png") {
		name += ".png"
	}
	return filepath.Join(d.opts.ScreenshotDir, name)
}

func succeeded(cmd models.Command, payload map[string]any) models.Result {
	return models.Result{Success: true, Op: cmd.Op, ID: cmd.ID, Payload: payload}
}

func failed(cmd models.Command, err error) models.Result {
	return models.Result{
		Op:        cmd.Op,
		ID:        cmd.ID,
		Error:     err.Error(),
		ErrorKind: string(failure.KindOf(err)),
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
