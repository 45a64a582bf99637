package checkers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/signatures"
)

// CookieBannerID identifies the consent banner check.
const CookieBannerID = "cookie_banner_check"

const controlSelector = `button, a, [role="button"], input[type="button"], input[type="submit"]`

// CookieBannerOptions tunes the banner polling window.
type CookieBannerOptions struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	MaxWait        time.Duration `yaml:"max_wait"`
	// TextLimit truncates the banner text kept as evidence.
	TextLimit int `yaml:"text_limit"`
}

// DefaultCookieBannerOptions returns the polling defaults.
func DefaultCookieBannerOptions() CookieBannerOptions {
	return CookieBannerOptions{
		InitialBackoff: 250 * time.Millisecond,
		BackoffFactor:  2,
		MaxWait:        5 * time.Second,
		TextLimit:      300,
	}
}

func (o CookieBannerOptions) normalize() CookieBannerOptions {
	def := DefaultCookieBannerOptions()
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = def.InitialBackoff
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = def.BackoffFactor
	}
	if o.MaxWait < 0 {
		o.MaxWait = 0
	}
	if o.TextLimit <= 0 {
		o.TextLimit = def.TextLimit
	}
	return o
}

// CookieBanner looks for a consent banner and grades its controls.
type CookieBanner struct {
	table *signatures.Table
	opts  CookieBannerOptions
	wait  func(ctx context.Context, d time.Duration) error
}

// NewCookieBanner builds the checker.
func NewCookieBanner(table *signatures.Table, opts CookieBannerOptions) *CookieBanner {
	return &CookieBanner{table: table, opts: opts.normalize(), wait: sleepContext}
}

func (c *CookieBanner) ID() string { return CookieBannerID }

func (c *CookieBanner) Name() string { return "Cookie Consent Banner Check" }

func (c *CookieBanner) Severity() check.Severity { return check.SeverityHigh }

// Check polls for a banner with exponential backoff up to MaxWait.
func (c *CookieBanner) Check(ctx context.Context, sess browser.Session) (check.Finding, error) {
	deadline := time.Now().Add(c.opts.MaxWait)
	backoff := c.opts.InitialBackoff
	polls := 0
	for {
		polls++
		banner, selector, err := c.findBanner(ctx, sess)
		if err != nil {
			return check.Finding{}, err
		}
		if banner != nil {
			finding := c.grade(banner, selector)
			finding.Evidence["polls"] = polls
			return finding, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if backoff > remaining {
			backoff = remaining
		}
		if err := c.wait(ctx, backoff); err != nil {
			return check.Finding{}, err
		}
		backoff = time.Duration(float64(backoff) * c.opts.BackoffFactor)
	}
	return c.noBanner(ctx, sess, polls)
}

func (c *CookieBanner) findBanner(ctx context.Context, sess browser.Session) (browser.Node, string, error) {
	for _, selector := range c.table.Banner.Selectors {
		nodes, err := sess.Find(ctx, selector)
		if err != nil {
			return nil, "", fmt.Errorf("query %q: %w", selector, err)
		}
		if len(nodes) > 0 {
			return nodes[0], selector, nil
		}
	}
	return nil, "", nil
}

func (c *CookieBanner) noBanner(ctx context.Context, sess browser.Session, polls int) (check.Finding, error) {
	scripts, err := sess.Find(ctx, "script[src]")
	if err != nil {
		return check.Finding{}, fmt.Errorf("query scripts: %w", err)
	}
	for _, s := range scripts {
		src, _ := s.Attr("src")
		vendor, ok := c.table.VendorForScript(src)
		if !ok {
			continue
		}
		return check.Finding{
			Status: check.StatusWarning,
			Details: fmt.Sprintf("%s consent framework is loaded but no banner rendered within %s; "+
				"it may be suppressed in headless browsers", vendor.Name, c.opts.MaxWait),
			Evidence: map[string]any{
				"banner_found":  false,
				"vendor":        vendor.Name,
				"vendor_script": src,
				"polls":         polls,
			},
			Remediation: "Verify manually that the consent banner is shown to first-time visitors.",
		}, nil
	}
	return check.Finding{
		Status:  check.StatusFail,
		Details: "no consent mechanism detected",
		Evidence: map[string]any{
			"banner_found": false,
			"polls":        polls,
			"waited":       c.opts.MaxWait.String(),
		},
		Remediation: "Show a cookie consent banner that informs visitors about cookie use and " +
			"obtains consent before any non-essential cookie is set.",
	}, nil
}

func (c *CookieBanner) grade(banner browser.Node, selector string) check.Finding {
	var accept, reject, moreInfo []string
	for _, ctl := range banner.Find(controlSelector) {
		label := controlLabel(ctl)
		if label == "" {
			continue
		}
		switch {
		case matches(c.table.Banner.Reject, label):
			reject = append(reject, label)
		case matches(c.table.Banner.Accept, label):
			accept = append(accept, label)
		case matches(c.table.Banner.MoreInfo, label):
			moreInfo = append(moreInfo, label)
		}
	}

	evidence := map[string]any{
		"banner_found":    true,
		"selector":        selector,
		"banner_text":     truncate(browser.TextOf(banner), c.opts.TextLimit),
		"accept_controls": accept,
		"reject_controls": reject,
		"has_more_info":   len(moreInfo) > 0,
	}

	switch {
	case len(accept) > 0 && len(reject) > 0:
		details := "consent banner offers both accept and reject controls"
		if len(moreInfo) == 0 {
			details += "; no link to more information was found"
		}
		return check.Finding{Status: check.StatusPass, Details: details, Evidence: evidence}
	case len(accept) > 0:
		return check.Finding{
			Status:      check.StatusWarning,
			Details:     "accept-only banner, no equal reject path",
			Evidence:    evidence,
			Remediation: "Add a reject or decline control that is as easy to use as the accept control.",
		}
	case len(reject) > 0:
		return check.Finding{
			Status:      check.StatusWarning,
			Details:     "consent banner has a reject control but no recognisable accept control",
			Evidence:    evidence,
			Remediation: "Label the consent controls clearly so visitors can tell accept from reject.",
		}
	default:
		return check.Finding{
			Status:      check.StatusWarning,
			Details:     "consent banner found but it has no recognisable accept or reject controls",
			Evidence:    evidence,
			Remediation: "Provide explicit accept and reject buttons in the consent banner.",
		}
	}
}

func controlLabel(n browser.Node) string {
	if text := browser.TextOf(n); text != "" {
		return text
	}
	for _, attr := range []string{"value", "aria-label", "title"} {
		if v, ok := n.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.Join(strings.Fields(v), " ")
		}
	}
	return ""
}

func matches(terms signatures.Terms, text string) bool {
	_, ok := terms.Match(text)
	return ok
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
