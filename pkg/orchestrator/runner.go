// Package orchestrator runs the registered checkers against one target URL
// and aggregates their results into a Scan.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/check"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/logging"
	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

// NavigationCheckID is the check_id of the synthetic row reported when the
// target page could not be loaded.
const NavigationCheckID = "navigation"

const (
	defaultCheckTimeout = 30 * time.Second
	skippedReason       = "disabled by configuration"
)

// Options configures a Runner.
type Options struct {
	// Parallel gives every checker its own session opened on the same URL.
	Parallel bool
	// MaxParallel caps concurrent sessions in parallel mode. Zero means one
	// per enabled checker.
	MaxParallel int
	// CheckTimeout bounds each checker. Zero uses 30s.
	CheckTimeout time.Duration
	// Deadline bounds the whole pass. Zero means no overall deadline.
	Deadline time.Duration
	Session  browser.SessionConfig
	// Disabled lists check IDs reported as SKIPPED instead of run.
	Disabled []string
	// Middlewares wrap every checker invocation inside the built-in guards.
	Middlewares []check.Middleware
	// Engine names the browser runtime for reports and traces.
	Engine string
	Logger *logging.Logger
	Hub    *telemetry.Hub
}

// Runner coordinates one scan pass per Run call. It is safe for concurrent
// use; every Run owns its sessions.
type Runner struct {
	runtime  browser.Runtime
	checkers []check.Checker
	disabled map[string]bool
	opts     Options
}

// Scan is the outcome of one pass over a URL.
type Scan struct {
	ID         string           `json:"id"`
	URL        string           `json:"url"`
	Engine     string           `json:"engine,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Aborted    bool             `json:"aborted"`
	Error      string           `json:"error,omitempty"`
	Summary    check.Summary    `json:"summary"`
	Results    *check.ResultSet `json:"results"`
}

// Duration is the wall-clock length of the pass.
func (s *Scan) Duration() time.Duration {
	if s == nil || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// New builds a Runner. Checker IDs must be unique and must not collide with
// NavigationCheckID.
func New(runtime browser.Runtime, checkers []check.Checker, opts Options) (*Runner, error) {
	if runtime == nil {
		return nil, gserrors.New(gserrors.ErrCodeInvalidInput, "browser runtime is required")
	}
	seen := make(map[string]bool, len(checkers))
	for _, c := range checkers {
		if c == nil {
			return nil, gserrors.New(gserrors.ErrCodeInvalidInput, "nil checker")
		}
		id := c.ID()
		switch {
		case id == "":
			return nil, gserrors.New(gserrors.ErrCodeInvalidInput, "checker with empty id")
		case id == NavigationCheckID:
			return nil, gserrors.Newf(gserrors.ErrCodeInvalidInput, "check id %q is reserved", id)
		case seen[id]:
			return nil, gserrors.Wrap(check.ErrDuplicateCheck, gserrors.ErrCodeInvalidInput, "duplicate checker").
				WithContext("check_id", id)
		}
		seen[id] = true
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	// every session of a pass gets a fresh id
	opts.Session.SessionID = ""
	disabled := make(map[string]bool, len(opts.Disabled))
	for _, id := range opts.Disabled {
		disabled[strings.TrimSpace(id)] = true
	}
	return &Runner{
		runtime:  runtime,
		checkers: append([]check.Checker(nil), checkers...),
		disabled: disabled,
		opts:     opts,
	}, nil
}

// CheckIDs returns the registered checker IDs in run order.
func (r *Runner) CheckIDs() []string {
	ids := make([]string, len(r.checkers))
	for i, c := range r.checkers {
		ids[i] = c.ID()
	}
	return ids
}

// ValidateURL checks that raw is an absolute http(s) URL with a host and
// returns its normalized form.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", gserrors.New(gserrors.ErrCodeValidation, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", gserrors.Wrap(err, gserrors.ErrCodeValidation, "invalid url").WithContext("url", raw)
	}
	if !u.IsAbs() {
		return "", gserrors.New(gserrors.ErrCodeValidation, "url must be absolute").WithContext("url", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", gserrors.Newf(gserrors.ErrCodeValidation, "unsupported scheme %q", u.Scheme).
			WithContext("url", raw).
			WithRemediation("Use an http:// or https:// address")
	}
	if u.Hostname() == "" {
		return "", gserrors.New(gserrors.ErrCodeValidation, "url has no host").WithContext("url", raw)
	}
	u.Scheme = scheme
	return u.String(), nil
}

// Run validates rawURL and performs one scan pass. An invalid URL is the only
// returned error; navigation failures and checker faults are reported as
// result rows.
func (r *Runner) Run(ctx context.Context, rawURL string) (*Scan, error) {
	target, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	scan := &Scan{
		ID:        ulid.Make().String(),
		URL:       target,
		Engine:    r.opts.Engine,
		StartedAt: time.Now(),
		Results:   check.NewResultSet(),
	}

	ctx, span := telemetry.StartSpan(ctx, "scan",
		telemetry.AttrScanID.String(scan.ID),
		telemetry.AttrScanURL.String(target),
		telemetry.AttrEngine.String(r.opts.Engine),
	)
	defer span.End()

	if r.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Deadline)
		defer cancel()
	}

	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(r.opts.Hub, scan.ID)
	mgr := browser.NewManager(r.runtime, metrics)

	r.publish(telemetry.EventScanStarted, scan.ID, "", map[string]any{
		"url":      target,
		"checks":   len(r.checkers),
		"parallel": r.opts.Parallel,
	})
	r.log(logging.LevelInfo, logging.CategoryScan, "scan.started", scan.ID, "", "scan started", map[string]any{
		"url":      target,
		"engine":   r.opts.Engine,
		"parallel": r.opts.Parallel,
	})

	var results []check.Result
	if r.opts.Parallel {
		results, err = r.runParallel(ctx, mgr, scan)
	} else {
		results, err = r.runSequential(ctx, mgr, scan)
	}
	if err != nil {
		nav := r.navigationResult(target, err)
		results = []check.Result{nav}
		scan.Aborted = true
		scan.Error = nav.Details
		telemetry.RecordError(ctx, err)
	}

	for _, res := range results {
		if addErr := scan.Results.Add(res); addErr != nil {
			r.log(logging.LevelError, logging.CategoryScan, "scan.result_rejected", scan.ID, res.CheckID, addErr.Error(), nil)
		}
	}
	scan.FinishedAt = time.Now()
	scan.Summary = scan.Results.Summary()

	snap := metrics.Snapshot()
	details := map[string]any{
		"duration_ms":      scan.Duration().Milliseconds(),
		"total":            scan.Summary.Total,
		"passed":           scan.Summary.Passed,
		"failed":           scan.Summary.Failed,
		"warnings":         scan.Summary.Warnings,
		"errors":           scan.Summary.Errors,
		"skipped":          scan.Summary.Skipped,
		"compliance_score": scan.Summary.ComplianceScore,
		"sessions":         snap.SessionsCreated,
		"navigations":      snap.NavigateCount,
	}
	span.SetAttributes(attribute.Float64("gdprscan.scan.score", scan.Summary.ComplianceScore))
	if scan.Aborted {
		details["error"] = scan.Error
		recordScan(outcomeAborted, scan.Duration())
		r.publish(telemetry.EventScanAborted, scan.ID, "", details)
		r.log(logging.LevelError, logging.CategoryScan, "scan.aborted", scan.ID, "", scan.Error, details)
	} else {
		recordScan(outcomeCompleted, scan.Duration())
		r.publish(telemetry.EventScanCompleted, scan.ID, "", details)
		r.log(logging.LevelInfo, logging.CategoryScan, "scan.completed", scan.ID, "", "scan completed", details)
	}
	if leaked := snap.ActiveSessions; leaked != 0 {
		r.log(logging.LevelError, logging.CategoryBrowser, "browser.session_leak", scan.ID, "",
			fmt.Sprintf("%d browser session(s) still open after scan", leaked), nil)
	}
	return scan, nil
}

// runSequential opens one session and runs every checker against it in
// registration order. A non-nil error means the page never loaded.
func (r *Runner) runSequential(ctx context.Context, mgr *browser.Manager, scan *Scan) ([]check.Result, error) {
	results := make([]check.Result, 0, len(r.checkers))
	var (
		navErr  error
		started bool
	)
	err := mgr.WithSession(ctx, r.opts.Session, func(sess browser.Session) error {
		started = true
		if err := sess.Open(ctx, scan.URL); err != nil {
			navErr = err
			return nil
		}
		for _, c := range r.checkers {
			results = append(results, r.runChecker(ctx, scan, c, sess))
		}
		return nil
	})
	switch {
	case navErr != nil:
		return nil, navErr
	case err != nil && !started:
		return nil, err
	case err != nil:
		r.log(logging.LevelWarn, logging.CategoryBrowser, "browser.close_failed", scan.ID, "", err.Error(), nil)
	}
	return results, nil
}

// runParallel opens a probe session first so an unreachable target yields a
// single navigation row. The probe is reused by the first enabled checker;
// the rest get their own sessions.
func (r *Runner) runParallel(ctx context.Context, mgr *browser.Manager, scan *Scan) ([]check.Result, error) {
	probe, err := mgr.CreateSession(ctx, r.opts.Session)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := probe.Close(); closeErr != nil && !errors.Is(closeErr, browser.ErrSessionClosed) {
			r.log(logging.LevelWarn, logging.CategoryBrowser, "browser.close_failed", scan.ID, "", closeErr.Error(), nil)
		}
	}()
	if err := probe.Open(ctx, scan.URL); err != nil {
		return nil, err
	}

	results := make([]check.Result, len(r.checkers))
	var g errgroup.Group
	if r.opts.MaxParallel > 0 {
		g.SetLimit(r.opts.MaxParallel)
	}
	probeUsed := false
	for i, c := range r.checkers {
		if r.disabled[c.ID()] {
			results[i] = r.runChecker(ctx, scan, c, nil)
			continue
		}
		if !probeUsed {
			probeUsed = true
			g.Go(func() error {
				results[i] = r.runChecker(ctx, scan, c, probe)
				return nil
			})
			continue
		}
		g.Go(func() error {
			results[i] = r.runIsolated(ctx, mgr, scan, c)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// runIsolated runs c in a fresh session of its own. A failed navigation here
// only affects c's row.
func (r *Runner) runIsolated(ctx context.Context, mgr *browser.Manager, scan *Scan, c check.Checker) check.Result {
	if ctx.Err() != nil {
		return r.cutShort(ctx, scan, c)
	}
	var (
		result check.Result
		ran    bool
	)
	err := mgr.WithSession(ctx, r.opts.Session, func(sess browser.Session) error {
		if err := sess.Open(ctx, scan.URL); err != nil {
			return err
		}
		ran = true
		result = r.runChecker(ctx, scan, c, sess)
		return nil
	})
	if ran {
		if err != nil {
			r.log(logging.LevelWarn, logging.CategoryBrowser, "browser.close_failed", scan.ID, c.ID(), err.Error(), nil)
		}
		return result
	}
	wrapped := gserrors.Wrap(err, navigationCode(err), "isolated session could not load the page").
		WithContext("url", scan.URL)
	result = check.NewError(c.ID(), c.Name(), check.SeverityOf(c), wrapped, time.Now())
	r.finishCheck(scan, result)
	return result
}

// runChecker produces c's row: SKIPPED when disabled, ERROR when the scan
// deadline already passed, otherwise the wrapped checker outcome.
func (r *Runner) runChecker(ctx context.Context, scan *Scan, c check.Checker, sess browser.Session) check.Result {
	if r.disabled[c.ID()] {
		result := check.NewSkipped(c, skippedReason, time.Now())
		r.finishCheck(scan, result)
		return result
	}
	if ctx.Err() != nil {
		return r.cutShort(ctx, scan, c)
	}

	ctx, span := telemetry.StartSpan(ctx, "check",
		telemetry.AttrScanID.String(scan.ID),
		telemetry.AttrCheckID.String(c.ID()),
	)
	defer span.End()

	r.publish(telemetry.EventCheckStarted, scan.ID, c.ID(), map[string]any{"name": c.Name()})
	r.log(logging.LevelDebug, logging.CategoryCheck, "check.started", scan.ID, c.ID(), c.Name(), nil)

	result := check.Execute(ctx, c, sess, check.Options{
		Timeout:     r.opts.CheckTimeout,
		Middlewares: r.opts.Middlewares,
	})
	span.SetAttributes(telemetry.AttrCheckStatus.String(string(result.Status)))
	if result.Status == check.StatusError {
		telemetry.RecordError(ctx, errors.New(result.Details))
	}
	r.finishCheck(scan, result)
	return result
}

func (r *Runner) cutShort(ctx context.Context, scan *Scan, c check.Checker) check.Result {
	err := gserrors.New(gserrors.ErrCodeCheckTimeout, "timed out: scan deadline exceeded")
	if errors.Is(ctx.Err(), context.Canceled) {
		err = gserrors.New(gserrors.ErrCodeCheckTimeout, "cancelled")
	}
	result := check.NewError(c.ID(), c.Name(), check.SeverityOf(c), err, time.Now())
	r.finishCheck(scan, result)
	return result
}

func (r *Runner) finishCheck(scan *Scan, result check.Result) {
	recordCheck(result)
	details := map[string]any{
		"status":      string(result.Status),
		"duration_ms": result.Duration.Milliseconds(),
	}
	r.publish(telemetry.EventCheckCompleted, scan.ID, result.CheckID, details)

	level := logging.LevelInfo
	if result.Status == check.StatusError {
		level = logging.LevelError
	}
	r.log(level, logging.CategoryCheck, "check.completed", scan.ID, result.CheckID, result.Details, details)
}

func (r *Runner) navigationResult(target string, err error) check.Result {
	wrapped := gserrors.Wrap(err, navigationCode(err), "could not load "+target).
		WithContext("url", target).
		WithRemediation("Check that the site is reachable from this host and responds without an HTTP error")
	return check.NewError(NavigationCheckID, "Page navigation", check.SeverityHigh, wrapped, time.Now())
}

func navigationCode(err error) gserrors.ErrorCode {
	if browser.IsNavigationError(err) {
		return gserrors.ErrCodeNavigation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gserrors.ErrCodeCheckTimeout
	}
	return gserrors.ErrCodeBrowser
}

func (r *Runner) publish(eventType telemetry.EventType, scanID, checkID string, data map[string]any) {
	if r.opts.Hub == nil {
		return
	}
	r.opts.Hub.Publish(telemetry.Event{
		Type:    eventType,
		ScanID:  scanID,
		CheckID: checkID,
		Data:    data,
	})
}

func (r *Runner) log(level logging.Level, category logging.Category, eventType, scanID, checkID, message string, details map[string]any) {
	_ = r.opts.Logger.Log(logging.Event{
		Level:     level,
		Category:  category,
		EventType: eventType,
		ScanID:    scanID,
		CheckID:   checkID,
		Message:   message,
		Details:   details,
	})
}
