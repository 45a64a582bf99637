package checkers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/signatures"
)

// DataSubjectRightsID identifies the subject rights check.
const DataSubjectRightsID = "data_subject_rights"

// DataSubjectRightsOptions bounds how far the checker follows links.
type DataSubjectRightsOptions struct {
	// MaxPolicyPages is how many privacy policy links are fetched and
	// searched for rights information.
	MaxPolicyPages int `yaml:"max_policy_pages"`
}

// DefaultDataSubjectRightsOptions returns the link budget.
func DefaultDataSubjectRightsOptions() DataSubjectRightsOptions {
	return DataSubjectRightsOptions{MaxPolicyPages: 2}
}

// DataSubjectRights looks for information on GDPR rights and a way to send
// a request, on the page and in the linked privacy policy.
type DataSubjectRights struct {
	table   *signatures.Table
	fetcher PageFetcher
	opts    DataSubjectRightsOptions
}

// NewDataSubjectRights builds the checker. fetcher may be nil, which limits
// the search to the scanned page.
func NewDataSubjectRights(table *signatures.Table, fetcher PageFetcher, opts DataSubjectRightsOptions) *DataSubjectRights {
	if opts.MaxPolicyPages <= 0 {
		opts.MaxPolicyPages = DefaultDataSubjectRightsOptions().MaxPolicyPages
	}
	return &DataSubjectRights{table: table, fetcher: fetcher, opts: opts}
}

func (c *DataSubjectRights) ID() string { return DataSubjectRightsID }

func (c *DataSubjectRights) Name() string { return "Data Subject Rights Implementation" }

func (c *DataSubjectRights) Severity() check.Severity { return check.SeverityMedium }

func (c *DataSubjectRights) Check(ctx context.Context, sess browser.Session) (check.Finding, error) {
	body, err := sess.Find(ctx, "body")
	if err != nil {
		return check.Finding{}, fmt.Errorf("query body: %w", err)
	}
	var pageText string
	if len(body) > 0 {
		pageText = browser.TextOf(body[0])
	}
	pageTerms := nonNil(c.table.Rights.Terms.MatchAll(pageText))

	requestForms, err := c.requestForms(ctx, sess)
	if err != nil {
		return check.Finding{}, err
	}
	anchors, err := sess.Find(ctx, "a[href]")
	if err != nil {
		return check.Finding{}, fmt.Errorf("query links: %w", err)
	}
	base, _ := url.Parse(sess.CurrentURL())

	requestPages := []string{}
	var policies []string
	contact := matches(c.table.Rights.Contact, pageText)
	for _, a := range anchors {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		text := browser.TextOf(a)
		if strings.HasPrefix(strings.ToLower(href), "mailto:") {
			if _, ok := c.table.Rights.Contact.Contains(href); ok {
				contact = true
			}
			continue
		}
		if href == "" || skipHref(href) {
			continue
		}
		target, ok := resolve(base, href)
		if !ok {
			continue
		}
		if _, hit := c.table.Rights.Pages.Contains(href); hit || matches(c.table.Rights.Pages, text) {
			requestPages = appendUnique(requestPages, target)
		}
		if matches(c.table.PolicyLinks, text) || matches(c.table.PolicyLinks, href) {
			policies = appendUnique(policies, target)
		}
	}

	evidence := map[string]any{
		"page_terms":    pageTerms,
		"request_forms": requestForms,
		"request_pages": requestPages,
	}

	policyTerms := []string{}
	if c.fetcher != nil {
		checked := []string{}
		for _, target := range policies {
			if len(checked) >= c.opts.MaxPolicyPages {
				break
			}
			checked = append(checked, target)
			page, err := c.fetcher.Get(ctx, target)
			if err != nil {
				if ctx.Err() != nil {
					return check.Finding{}, ctx.Err()
				}
				evidence["policy_error"] = err.Error()
				continue
			}
			if !page.OK() {
				continue
			}
			if !contact && matches(c.table.Rights.Contact, page.Text) {
				contact = true
			}
			if found := c.table.Rights.Terms.MatchAll(page.Text); len(found) > 0 {
				policyTerms = found
				break
			}
		}
		evidence["policy_pages"] = checked
	}
	evidence["policy_terms"] = policyTerms
	evidence["request_contact"] = contact

	informed := len(pageTerms) > 0 || requestForms > 0 || len(requestPages) > 0 || len(policyTerms) > 0
	switch {
	case !informed:
		return check.Finding{
			Status:   check.StatusFail,
			Details:  "no information about data subject rights found on the page or in the privacy policy",
			Evidence: evidence,
			Remediation: "Explain the rights of access, rectification, erasure, restriction, portability " +
				"and objection, and publish a page or form for submitting requests.",
		}, nil
	case !contact:
		return check.Finding{
			Status:      check.StatusWarning,
			Details:     "data subject rights are described but no contact for requests was found",
			Evidence:    evidence,
			Remediation: "Name a privacy contact or Data Protection Officer and an address that accepts requests.",
		}, nil
	}
	return check.Finding{
		Status:   check.StatusPass,
		Details:  "data subject rights are described and a contact for requests is published",
		Evidence: evidence,
	}, nil
}

// requestForms counts forms that mention a subject rights request.
func (c *DataSubjectRights) requestForms(ctx context.Context, sess browser.Session) (int, error) {
	forms, err := sess.Find(ctx, "form")
	if err != nil {
		return 0, fmt.Errorf("query forms: %w", err)
	}
	n := 0
	for _, form := range forms {
		hit := matches(c.table.Rights.Terms, browser.TextOf(form))
		for _, attr := range []string{"id", "name", "action", "class"} {
			if hit {
				break
			}
			if v, ok := form.Attr(attr); ok {
				_, hit = c.table.Rights.Pages.Contains(v)
			}
		}
		if hit {
			n++
		}
	}
	return n, nil
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
