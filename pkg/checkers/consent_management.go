package checkers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/fetch"
	"github.com/odvcencio/gdprscan/pkg/signatures"
)

// ConsentManagementID identifies the consent management check.
const ConsentManagementID = "consent_management"

// consentGateAttrs mark scripts a consent manager holds back until opt-in.
var consentGateAttrs = []string{
	"data-cookieconsent", "data-cookiescript", "data-cookiecategory", "data-category",
	"data-consent", "data-usercentrics", "data-cookieyes",
}

// ConsentManagement grades the machinery behind the banner: a consent
// manager, scripts gated on consent, a cookie policy and a way to change the
// decision later.
type ConsentManagement struct {
	table   *signatures.Table
	fetcher PageFetcher
}

// NewConsentManagement builds the checker. fetcher may be nil, which skips
// the cookie policy content review.
func NewConsentManagement(table *signatures.Table, fetcher PageFetcher) *ConsentManagement {
	return &ConsentManagement{table: table, fetcher: fetcher}
}

func (c *ConsentManagement) ID() string { return ConsentManagementID }

func (c *ConsentManagement) Name() string { return "Consent Management" }

func (c *ConsentManagement) Severity() check.Severity { return check.SeverityMedium }

func (c *ConsentManagement) Check(ctx context.Context, sess browser.Session) (check.Finding, error) {
	page, err := url.Parse(sess.CurrentURL())
	if err != nil || page.Host == "" {
		return check.Finding{}, fmt.Errorf("session has no loaded URL: %q", sess.CurrentURL())
	}
	scripts, err := sess.Find(ctx, "script")
	if err != nil {
		return check.Finding{}, fmt.Errorf("query scripts: %w", err)
	}

	var vendor string
	tcf := false
	gated := 0
	ungated := []string{}
	for _, s := range scripts {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if v, ok := c.table.VendorForScript(src); ok && vendor == "" {
			vendor = v.Name
		}
		if consentGated(s) {
			gated++
			continue
		}
		if src == "" {
			if strings.Contains(s.Text(), "__tcfapi") {
				tcf = true
			}
			continue
		}
		u, err := page.Parse(src)
		if err != nil {
			continue
		}
		if tr, ok := c.table.TrackerFor(u); ok {
			ungated = appendUnique(ungated, tr.Name)
		}
	}

	var failures, gaps []string
	evidence := map[string]any{
		"cmp":              vendor,
		"tcf_stub":         tcf,
		"gated_scripts":    gated,
		"ungated_trackers": ungated,
	}
	if len(ungated) > 0 && vendor == "" && gated == 0 {
		failures = append(failures, "tracking scripts load without a consent manager: "+strings.Join(ungated, ", "))
	}

	prefs, err := c.preferenceControls(ctx, sess)
	if err != nil {
		return check.Finding{}, err
	}
	evidence["preference_controls"] = prefs
	if len(prefs) == 0 && vendor == "" {
		gaps = append(gaps, "no control to review or withdraw consent after the first visit")
	}

	link, err := c.cookiePolicyLink(ctx, sess, page)
	if err != nil {
		return check.Finding{}, err
	}
	evidence["cookie_policy_url"] = link
	if link == "" {
		failures = append(failures, "no cookie policy link found")
	} else if c.fetcher != nil {
		missing, err := c.reviewPolicy(ctx, link, evidence)
		switch {
		case ctx.Err() != nil:
			return check.Finding{}, ctx.Err()
		case err != nil:
			gaps = append(gaps, err.Error())
		case len(missing) > 0:
			gaps = append(gaps, "cookie policy does not cover: "+strings.Join(missing, ", "))
		}
	}

	issues := append(append([]string{}, failures...), gaps...)
	evidence["issues"] = issues
	remediation := "Load non-essential scripts only after opt-in through a consent manager, publish a " +
		"cookie policy that explains each cookie category and keep a persistent link to the consent settings."
	switch {
	case len(failures) > 0:
		return check.Finding{
			Status:      check.StatusFail,
			Details:     "consent management issues: " + strings.Join(issues, "; "),
			Evidence:    evidence,
			Remediation: remediation,
		}, nil
	case len(gaps) > 0:
		return check.Finding{
			Status:      check.StatusWarning,
			Details:     "consent management gaps: " + strings.Join(issues, "; "),
			Evidence:    evidence,
			Remediation: remediation,
		}, nil
	}
	details := "cookie policy is published and consent can be changed later"
	if vendor != "" {
		details = vendor + " manages consent; " + details
	}
	return check.Finding{Status: check.StatusPass, Details: details, Evidence: evidence}, nil
}

func (c *ConsentManagement) preferenceControls(ctx context.Context, sess browser.Session) ([]string, error) {
	nodes, err := sess.Find(ctx, controlSelector)
	if err != nil {
		return nil, fmt.Errorf("query controls: %w", err)
	}
	found := []string{}
	for _, n := range nodes {
		if label := controlLabel(n); matches(c.table.CookiePolicy.Preferences, label) {
			found = appendUnique(found, label)
		}
	}
	return found, nil
}

func (c *ConsentManagement) cookiePolicyLink(ctx context.Context, sess browser.Session, base *url.URL) (string, error) {
	anchors, err := sess.Find(ctx, "a[href]")
	if err != nil {
		return "", fmt.Errorf("query links: %w", err)
	}
	for _, a := range anchors {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || skipHref(href) {
			continue
		}
		_, inHref := c.table.CookiePolicy.Links.Contains(href)
		if !inHref && !matches(c.table.CookiePolicy.Links, browser.TextOf(a)) {
			continue
		}
		if target, ok := resolve(base, href); ok {
			return target, nil
		}
	}
	return "", nil
}

// reviewPolicy fetches the cookie policy and returns the sections it lacks.
func (c *ConsentManagement) reviewPolicy(ctx context.Context, link string, evidence map[string]any) ([]string, error) {
	page, err := c.fetcher.Get(ctx, link)
	if err != nil {
		evidence["cookie_policy_error"] = err.Error()
		if errors.Is(err, fetch.ErrTooManyRedirects) {
			return nil, fmt.Errorf("cookie policy at %s exceeds the redirect limit", link)
		}
		return nil, fmt.Errorf("cookie policy at %s is unreachable", link)
	}
	evidence["cookie_policy_status"] = page.StatusCode
	if !page.OK() {
		return nil, fmt.Errorf("cookie policy at %s returned HTTP %d", link, page.StatusCode)
	}
	covered := []string{}
	missing := []string{}
	for _, section := range c.table.CookiePolicy.Sections {
		if matches(section.Keywords, page.Text) {
			covered = append(covered, section.Name)
		} else {
			missing = append(missing, section.Name)
		}
	}
	evidence["cookie_policy_sections"] = covered
	evidence["cookie_policy_missing"] = missing
	return missing, nil
}

// consentGated reports scripts held back until consent: inert types and the
// category attributes consent managers use.
func consentGated(s browser.Node) bool {
	if typ, ok := s.Attr("type"); ok {
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "text/plain", "text/x-consent", "opt-in":
			return true
		}
	}
	for _, attr := range consentGateAttrs {
		if _, ok := s.Attr(attr); ok {
			return true
		}
	}
	return false
}
