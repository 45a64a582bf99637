package checkers

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/check"
)

// SecureTransferID identifies the transport security check.
const SecureTransferID = "secure_data_transfer"

// mixedContentSources lists the elements whose URLs load subresources.
var mixedContentSources = []struct{ selector, attr string }{
	{"script[src]", "src"},
	{"img[src]", "src"},
	{"iframe[src]", "src"},
	{"audio[src]", "src"},
	{"video[src]", "src"},
	{"source[src]", "src"},
	{"embed[src]", "src"},
	{"object[data]", "data"},
	{`link[rel~="stylesheet"][href]`, "href"},
}

// SecureTransferOptions toggles the network probes.
type SecureTransferOptions struct {
	// ProbeHTTPRedirect requests the plain-HTTP URL to see whether it
	// redirects to HTTPS.
	ProbeHTTPRedirect bool `yaml:"probe_http_redirect"`
}

// DefaultSecureTransferOptions enables every probe.
func DefaultSecureTransferOptions() SecureTransferOptions {
	return SecureTransferOptions{ProbeHTTPRedirect: true}
}

// SecureTransfer verifies the page and its forms use HTTPS.
type SecureTransfer struct {
	fetcher PageFetcher
	opts    SecureTransferOptions
}

// NewSecureTransfer builds the checker. fetcher may be nil, which disables
// the header fallback and the redirect probe.
func NewSecureTransfer(fetcher PageFetcher, opts SecureTransferOptions) *SecureTransfer {
	return &SecureTransfer{fetcher: fetcher, opts: opts}
}

func (c *SecureTransfer) ID() string { return SecureTransferID }

func (c *SecureTransfer) Name() string { return "Secure Data Transfer" }

func (c *SecureTransfer) Severity() check.Severity { return check.SeverityHigh }

func (c *SecureTransfer) Check(ctx context.Context, sess browser.Session) (check.Finding, error) {
	page, err := url.Parse(sess.CurrentURL())
	if err != nil || page.Host == "" {
		return check.Finding{}, fmt.Errorf("session has no loaded URL: %q", sess.CurrentURL())
	}

	insecureForms, err := c.insecureForms(ctx, sess, page)
	if err != nil {
		return check.Finding{}, err
	}
	evidence := map[string]any{
		"url":            page.String(),
		"https":          page.Scheme == "https",
		"insecure_forms": insecureForms,
	}

	if page.Scheme != "https" {
		return check.Finding{
			Status:      check.StatusFail,
			Details:     "page is served over plain HTTP",
			Evidence:    evidence,
			Remediation: "Serve the site only over HTTPS and redirect every HTTP request to HTTPS.",
		}, nil
	}
	if len(insecureForms) > 0 {
		return check.Finding{
			Status:      check.StatusFail,
			Details:     fmt.Sprintf("%d form(s) submit data over plain HTTP", len(insecureForms)),
			Evidence:    evidence,
			Remediation: "Point every form action at an https:// endpoint.",
		}, nil
	}

	var issues []string

	hsts, ok := c.header(ctx, sess, page, "Strict-Transport-Security")
	evidence["hsts"] = hsts
	if ok && hsts == "" {
		issues = append(issues, "Strict-Transport-Security header is missing")
	}

	if c.opts.ProbeHTTPRedirect && c.fetcher != nil {
		redirects, probed := c.probeRedirect(ctx, page)
		if probed {
			evidence["http_redirects_to_https"] = redirects
			if !redirects {
				issues = append(issues, "plain HTTP endpoint does not redirect to HTTPS")
			}
		}
	}

	mixed, err := c.mixedContent(ctx, sess)
	if err != nil {
		return check.Finding{}, err
	}
	evidence["mixed_content"] = mixed
	if len(mixed) > 0 {
		issues = append(issues, fmt.Sprintf("%d resource(s) load over plain HTTP", len(mixed)))
	}

	evidence["issues"] = issues
	if len(issues) > 0 {
		return check.Finding{
			Status:   check.StatusWarning,
			Details:  strings.Join(issues, "; "),
			Evidence: evidence,
			Remediation: "Send Strict-Transport-Security, redirect HTTP to HTTPS and load every " +
				"subresource over HTTPS.",
		}, nil
	}
	return check.Finding{
		Status:   check.StatusPass,
		Details:  "page, forms and subresources use HTTPS",
		Evidence: evidence,
	}, nil
}

func (c *SecureTransfer) header(ctx context.Context, sess browser.Session, page *url.URL, name string) (string, bool) {
	if v, ok := browser.ResponseHeader(sess, name); ok {
		return v, true
	}
	if c.fetcher == nil {
		return "", false
	}
	resp, err := c.fetcher.Get(ctx, page.String())
	if err != nil || resp == nil {
		return "", false
	}
	return resp.Header.Get(name), true
}

// probeRedirect reports whether http://host/path ends on HTTPS. The second
// result is false when the plain endpoint could not be reached at all.
func (c *SecureTransfer) probeRedirect(ctx context.Context, page *url.URL) (bool, bool) {
	plain := *page
	plain.Scheme = "http"
	if plain.Port() == "443" {
		plain.Host = plain.Hostname()
	}
	resp, err := c.fetcher.Get(ctx, plain.String())
	if err != nil || resp == nil {
		return false, false
	}
	final, err := url.Parse(resp.FinalURL)
	if err != nil {
		return false, true
	}
	return final.Scheme == "https", true
}

func (c *SecureTransfer) insecureForms(ctx context.Context, sess browser.Session, page *url.URL) ([]string, error) {
	forms, err := sess.Find(ctx, "form")
	if err != nil {
		return nil, fmt.Errorf("query forms: %w", err)
	}
	insecure := []string{}
	for _, f := range forms {
		action, _ := f.Attr("action")
		target, err := page.Parse(strings.TrimSpace(action))
		if err != nil {
			continue
		}
		if target.Scheme == "http" && page.Scheme == "https" {
			insecure = append(insecure, target.String())
		}
	}
	return insecure, nil
}

func (c *SecureTransfer) mixedContent(ctx context.Context, sess browser.Session) ([]string, error) {
	seen := map[string]struct{}{}
	for _, src := range mixedContentSources {
		nodes, err := sess.Find(ctx, src.selector)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", src.selector, err)
		}
		for _, n := range nodes {
			v, _ := n.Attr(src.attr)
			v = strings.TrimSpace(v)
			if strings.HasPrefix(strings.ToLower(v), "http://") {
				seen[v] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}
