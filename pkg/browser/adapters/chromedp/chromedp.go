// Package chromedp implements the browser runtime on headless Chrome through
// the DevTools protocol.
package chromedp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/odvcencio/gdprscan/pkg/browser"
)

// Config configures the Chrome allocator.
type Config struct {
	// ExecPath points at a Chrome or Chromium binary. Empty lets chromedp
	// search the usual locations.
	ExecPath string
	Headless bool
	// ExtraFlags are passed to Chrome verbatim.
	ExtraFlags map[string]any
}

// DefaultConfig returns a headless configuration.
func DefaultConfig() Config {
	return Config{Headless: true}
}

// Runtime launches one Chrome process per session so parallel passes never
// share a page.
type Runtime struct {
	cfg    Config
	mu     sync.Mutex
	closed bool
}

// NewRuntime returns a runtime. Chrome is not started until NewSession.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{cfg: cfg}
}

func (r *Runtime) allocatorOptions(sc browser.SessionConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", r.cfg.Headless),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(sc.Viewport.Width, sc.Viewport.Height),
	)
	if sc.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", sc.Locale))
	}
	if r.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
	}
	if sc.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(sc.UserAgent))
	}
	for name, value := range r.cfg.ExtraFlags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// NewSession starts a browser and a blank tab.
func (r *Runtime) NewSession(ctx context.Context, cfg browser.SessionConfig) (browser.Session, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, browser.ErrUnavailable
	}
	cfg = cfg.Normalize()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), r.allocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		id:      cfg.SessionID,
		tabCtx:  tabCtx,
		timeout: cfg.NavigationTimeout,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	// The first Run allocates the browser on the context it is given, so it
	// must be the tab context itself.
	err := startBrowser(ctx, tabCtx, cfg.NavigationTimeout, s.cancel, func(runCtx context.Context) error {
		return chromedp.Run(runCtx, network.Enable())
	})
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("%w: start chrome: %v", browser.ErrUnavailable, err)
	}
	return s, nil
}

// startBrowser calls start with base and bounds it by a watchdog instead of a
// derived context: kill runs when start outlasts timeout or ctx ends first.
// base is never cancelled on success.
func startBrowser(ctx, base context.Context, timeout time.Duration, kill func(), start func(context.Context) error) error {
	watchdog := time.AfterFunc(timeout, kill)
	stopCaller := context.AfterFunc(ctx, kill)
	err := start(base)
	fired := !watchdog.Stop()
	cancelled := !stopCaller()
	switch {
	case fired:
		return fmt.Errorf("browser did not start within %s: %w", timeout, context.DeadlineExceeded)
	case cancelled:
		return ctx.Err()
	}
	return err
}

// Close implements browser.Runtime. Sessions own their processes and are
// closed individually.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Session is one Chrome tab.
type Session struct {
	id      string
	tabCtx  context.Context
	cancel  func()
	timeout time.Duration

	mu         sync.Mutex
	loaded     bool
	currentURL string
	status     int
	header     http.Header
	recording  bool
	closed     bool
	closeOnce  sync.Once
}

func (s *Session) ID() string { return s.id }

// operationContext bounds a DevTools call by the session timeout and the
// caller's context.
func (s *Session) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(s.tabCtx, s.timeout)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) onEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return
	}
	// First document response after Navigate is the main frame; iframes follow.
	s.recording = false
	s.status = int(resp.Response.Status)
	s.header = make(http.Header, len(resp.Response.Headers))
	for k, v := range resp.Response.Headers {
		s.header.Set(k, fmt.Sprint(v))
	}
}

// Open navigates the tab and waits for the body to be ready.
func (s *Session) Open(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return browser.ErrSessionClosed
	}
	s.recording = true
	s.status = 0
	s.header = nil
	s.loaded = false
	s.mu.Unlock()

	opCtx, stop := s.operationContext(ctx)
	defer stop()

	var location string
	err := chromedp.Run(opCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err != nil {
		if ctxErr := opCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &browser.NavigationError{URL: url, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
	if s.status >= 400 {
		return &browser.NavigationError{URL: url, StatusCode: s.status}
	}
	s.loaded = true
	s.currentURL = location
	return nil
}

// Find snapshots the live DOM and queries it, so content rendered after load
// is visible to later calls.
func (s *Session) Find(ctx context.Context, selector string) ([]browser.Node, error) {
	s.mu.Lock()
	closed, loaded := s.closed, s.loaded
	s.mu.Unlock()
	if closed {
		return nil, browser.ErrSessionClosed
	}
	if !loaded {
		return nil, browser.ErrNoDocument
	}
	if _, err := browser.CompileSelector(selector); err != nil {
		return nil, err
	}

	opCtx, stop := s.operationContext(ctx)
	defer stop()

	var html string
	if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("snapshot dom: %w", err)
	}
	snap, err := browser.ParseSnapshot(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return snap.Find(selector)
}

func (s *Session) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// ResponseHeader returns a header of the main document response.
func (s *Session) ResponseHeader(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		return "", false
	}
	return s.header.Get(name), true
}

// Close shuts the tab and its browser process.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = chromedp.Cancel(s.tabCtx)
		s.cancel()
	})
	return err
}
