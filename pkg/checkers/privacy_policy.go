package checkers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/fetch"
	"github.com/odvcencio/gdprscan/pkg/signatures"
)

// PrivacyPolicyID identifies the privacy policy check.
const PrivacyPolicyID = "privacy_policy_check"

// PrivacyPolicyOptions sets the content thresholds for a policy page.
type PrivacyPolicyOptions struct {
	// MinTextLength is the least visible text, in characters, for the target
	// to count as a policy.
	MinTextLength int `yaml:"min_text_length"`
	// MinTopics is how many topic groups must be covered.
	MinTopics int `yaml:"min_topics"`
}

// DefaultPrivacyPolicyOptions returns the thresholds.
func DefaultPrivacyPolicyOptions() PrivacyPolicyOptions {
	return PrivacyPolicyOptions{MinTextLength: 100, MinTopics: 1}
}

// PageFetcher retrieves a document outside the browser session.
type PageFetcher interface {
	Get(ctx context.Context, rawURL string) (*fetch.Page, error)
}

// PrivacyPolicy finds the policy link, follows it and grades the target.
type PrivacyPolicy struct {
	table   *signatures.Table
	fetcher PageFetcher
	opts    PrivacyPolicyOptions
}

// NewPrivacyPolicy builds the checker.
func NewPrivacyPolicy(table *signatures.Table, fetcher PageFetcher, opts PrivacyPolicyOptions) *PrivacyPolicy {
	def := DefaultPrivacyPolicyOptions()
	if opts.MinTextLength <= 0 {
		opts.MinTextLength = def.MinTextLength
	}
	if opts.MinTopics <= 0 {
		opts.MinTopics = def.MinTopics
	}
	if len(table.Topics) > 0 && opts.MinTopics > len(table.Topics) {
		opts.MinTopics = len(table.Topics)
	}
	return &PrivacyPolicy{table: table, fetcher: fetcher, opts: opts}
}

func (c *PrivacyPolicy) ID() string { return PrivacyPolicyID }

func (c *PrivacyPolicy) Name() string { return "Privacy Policy Check" }

func (c *PrivacyPolicy) Severity() check.Severity { return check.SeverityHigh }

type policyLink struct {
	text   string
	href   string
	url    string
	region string
}

func (c *PrivacyPolicy) Check(ctx context.Context, sess browser.Session) (check.Finding, error) {
	link, err := c.findLink(ctx, sess)
	if err != nil {
		return check.Finding{}, err
	}
	if link == nil {
		return check.Finding{
			Status:  check.StatusFail,
			Details: "no privacy policy link found",
			Evidence: map[string]any{
				"link_found": false,
			},
			Remediation: "Link the privacy policy from the footer or main navigation of every page.",
		}, nil
	}

	evidence := map[string]any{
		"link_found":  true,
		"link_text":   link.text,
		"link_href":   link.href,
		"link_region": link.region,
		"policy_url":  link.url,
	}

	page, err := c.fetcher.Get(ctx, link.url)
	if err != nil {
		if ctx.Err() != nil {
			return check.Finding{}, ctx.Err()
		}
		evidence["error"] = err.Error()
		details := fmt.Sprintf("privacy policy at %s is unreachable: %v", link.url, err)
		if errors.Is(err, fetch.ErrTooManyRedirects) {
			details = fmt.Sprintf("privacy policy at %s exceeds the redirect limit", link.url)
		}
		return check.Finding{
			Status:      check.StatusFail,
			Details:     details,
			Evidence:    evidence,
			Remediation: "Make sure the privacy policy URL loads directly with a 200 OK response.",
		}, nil
	}

	evidence["final_url"] = page.FinalURL
	evidence["http_status"] = page.StatusCode
	if !page.OK() {
		return check.Finding{
			Status:      check.StatusFail,
			Details:     fmt.Sprintf("privacy policy at %s returned HTTP %d", link.url, page.StatusCode),
			Evidence:    evidence,
			Remediation: "Make sure the privacy policy URL loads directly with a 200 OK response.",
		}, nil
	}

	length := utf8.RuneCountInString(page.Text)
	evidence["text_length"] = length
	if length < c.opts.MinTextLength {
		return check.Finding{
			Status: check.StatusFail,
			Details: fmt.Sprintf("privacy policy page is empty or too short (%d characters, need %d)",
				length, c.opts.MinTextLength),
			Evidence:    evidence,
			Remediation: "Publish the full privacy notice as readable text on the linked page.",
		}, nil
	}

	matched, missing := c.coverage(page.Text)
	evidence["matched_topics"] = matched
	evidence["missing_topics"] = missing
	if len(matched) < c.opts.MinTopics {
		return check.Finding{
			Status: check.StatusWarning,
			Details: fmt.Sprintf("privacy policy covers %d of the required topics, need %d; missing: %s",
				len(matched), c.opts.MinTopics, strings.Join(missing, ", ")),
			Evidence: evidence,
			Remediation: "Cover who the data controller is, what is collected and why, how long it is " +
				"retained, who it is shared with and how visitors exercise their rights.",
		}, nil
	}

	return check.Finding{
		Status:   check.StatusPass,
		Details:  fmt.Sprintf("privacy policy found at %s covering %s", page.FinalURL, strings.Join(matched, ", ")),
		Evidence: evidence,
	}, nil
}

// findLink prefers footer anchors, then any anchor on the page.
func (c *PrivacyPolicy) findLink(ctx context.Context, sess browser.Session) (*policyLink, error) {
	base, _ := url.Parse(sess.CurrentURL())
	for _, region := range []struct{ name, selector string }{
		{"footer", "footer a[href]"},
		{"page", "a[href]"},
	} {
		nodes, err := sess.Find(ctx, region.selector)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", region.selector, err)
		}
		for _, n := range nodes {
			href, _ := n.Attr("href")
			href = strings.TrimSpace(href)
			if href == "" || skipHref(href) {
				continue
			}
			text := browser.TextOf(n)
			if !matches(c.table.PolicyLinks, text) && !matches(c.table.PolicyLinks, href) {
				continue
			}
			target, ok := resolve(base, href)
			if !ok {
				continue
			}
			return &policyLink{text: text, href: href, url: target, region: region.name}, nil
		}
	}
	return nil, nil
}

func (c *PrivacyPolicy) coverage(text string) (matched, missing []string) {
	matched = []string{}
	missing = []string{}
	for _, topic := range c.table.Topics {
		if matches(topic.Keywords, text) {
			matched = append(matched, topic.Name)
		} else {
			missing = append(missing, topic.Name)
		}
	}
	return matched, missing
}

func skipHref(href string) bool {
	lower := strings.ToLower(href)
	for _, prefix := range []string{"#", "javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}
