// Package fetch retrieves single documents outside the browser session, for
// following privacy policy links and probing transport security.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

// ErrTooManyRedirects is returned when a fetch exceeds Options.MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// Options configures a Fetcher.
type Options struct {
	MaxRedirects int           `yaml:"max_redirects"`
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
	// RequestsPerSecond limits outbound requests; zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxBodyBytes      int64   `yaml:"max_body_bytes"`
}

// DefaultOptions returns the fetch defaults.
func DefaultOptions() Options {
	return Options{
		MaxRedirects:      5,
		Timeout:           15 * time.Second,
		UserAgent:         "gdprscan/1.0 (+https://github.com/odvcencio/gdprscan)",
		RequestsPerSecond: 4,
		MaxBodyBytes:      5 << 20,
	}
}

// Page is a fetched document.
type Page struct {
	RequestURL string
	FinalURL   string
	StatusCode int
	Header     http.Header
	Redirects  int
	Title      string
	// Text is the visible body text with scripts and styles removed and
	// whitespace collapsed.
	Text string
	Doc  *goquery.Document
}

// OK reports a 2xx response.
func (p *Page) OK() bool {
	return p != nil && p.StatusCode >= 200 && p.StatusCode < 300
}

// Fetcher performs bounded GET requests.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
}

// New builds a Fetcher. Zero fields in opts take their defaults.
func New(opts Options) *Fetcher {
	def := DefaultOptions()
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = def.MaxRedirects
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}

	f := &Fetcher{opts: opts}
	if opts.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	maxRedirects := opts.MaxRedirects
	f.client = &http.Client{
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w (%d)", ErrTooManyRedirects, maxRedirects)
			}
			return nil
		},
	}
	return f
}

// WithTransport swaps the HTTP transport, mainly for tests.
func (f *Fetcher) WithTransport(rt http.RoundTripper) *Fetcher {
	f.client.Transport = rt
	return f
}

// Options returns the effective options.
func (f *Fetcher) Options() Options {
	return f.opts
}

// Get fetches rawURL. Non-2xx responses are returned as a Page, not an
// error; transport failures and the redirect cap are errors.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	redirects := 0
	client := *f.client
	inner := f.client.CheckRedirect
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if err := inner(r, via); err != nil {
			return err
		}
		redirects = len(via)
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	page := &Page{
		RequestURL: rawURL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Redirects:  redirects,
	}

	if !isHTML(resp.Header.Get("Content-Type")) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
		return page, nil
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", page.FinalURL, err)
	}
	page.Doc = doc
	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	page.Text = VisibleText(doc)
	return page, nil
}

// VisibleText returns the body text of doc without script, style and
// noscript content.
func VisibleText(doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(body.Text()), " ")
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.HasPrefix(ct, "text/plain")
}
