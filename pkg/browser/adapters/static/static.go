// Package static implements a JavaScript-free browser runtime that fetches
// the document over HTTP and parses it with goquery.
package static

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/odvcencio/gdprscan/pkg/browser"
)

const maxBodyBytes = 10 << 20

// Config configures the static runtime.
type Config struct {
	Client    *http.Client
	UserAgent string
}

// Runtime creates sessions that share one HTTP client.
type Runtime struct {
	client    *http.Client
	userAgent string
	mu        sync.Mutex
	closed    bool
}

// NewRuntime builds a static runtime. A nil client gets a default with the
// standard redirect policy.
func NewRuntime(cfg Config) *Runtime {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Runtime{client: client, userAgent: cfg.UserAgent}
}

// NewSession implements browser.Runtime.
func (r *Runtime) NewSession(_ context.Context, cfg browser.SessionConfig) (browser.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, browser.ErrUnavailable
	}
	cfg = cfg.Normalize()
	ua := cfg.UserAgent
	if ua == "" {
		ua = r.userAgent
	}
	return &Session{
		id:        cfg.SessionID,
		client:    r.client,
		userAgent: ua,
		locale:    cfg.Locale,
		timeout:   cfg.NavigationTimeout,
	}, nil
}

// Close implements browser.Runtime.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Session holds one fetched document.
type Session struct {
	id        string
	client    *http.Client
	userAgent string
	locale    string
	timeout   time.Duration

	mu         sync.RWMutex
	snapshot   *browser.Snapshot
	currentURL string
	header     http.Header
	closed     bool
}

func (s *Session) ID() string { return s.id }

// Open fetches url and replaces the current document.
func (s *Session) Open(ctx context.Context, url string) error {
	if s.isClosed() {
		return browser.ErrSessionClosed
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &browser.NavigationError{URL: url, Err: err}
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if s.locale != "" {
		req.Header.Set("Accept-Language", s.locale)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return &browser.NavigationError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &browser.NavigationError{URL: url, StatusCode: resp.StatusCode}
	}

	snap, err := browser.ParseSnapshot(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &browser.NavigationError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	s.mu.Lock()
	s.snapshot = snap
	s.currentURL = resp.Request.URL.String()
	s.header = resp.Header.Clone()
	s.mu.Unlock()
	return nil
}

// Find queries the fetched document.
func (s *Session) Find(ctx context.Context, selector string) ([]browser.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, browser.ErrSessionClosed
	}
	return s.snapshot.Find(selector)
}

func (s *Session) CurrentURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentURL
}

// ResponseHeader returns a header of the main document response.
func (s *Session) ResponseHeader(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.header == nil {
		return "", false
	}
	return s.header.Get(name), true
}

// Close drops the document. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.snapshot = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
