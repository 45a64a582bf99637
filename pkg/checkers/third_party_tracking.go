package checkers

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/signatures"
)

// ThirdPartyTrackingID identifies the tracker check.
const ThirdPartyTrackingID = "third_party_tracking"

var trackerSources = []struct{ selector, attr string }{
	{"script[src]", "src"},
	{"iframe[src]", "src"},
	{"img[src]", "src"},
	{`link[rel~="preload"][href]`, "href"},
}

// ThirdPartyTracking lists known trackers the page loads before any consent
// interaction.
type ThirdPartyTracking struct {
	table *signatures.Table
}

// NewThirdPartyTracking builds the checker.
func NewThirdPartyTracking(table *signatures.Table) *ThirdPartyTracking {
	return &ThirdPartyTracking{table: table}
}

func (c *ThirdPartyTracking) ID() string { return ThirdPartyTrackingID }

func (c *ThirdPartyTracking) Name() string { return "Third-Party Tracking Detection" }

func (c *ThirdPartyTracking) Severity() check.Severity { return check.SeverityMedium }

func (c *ThirdPartyTracking) Check(ctx context.Context, sess browser.Session) (check.Finding, error) {
	page, err := url.Parse(sess.CurrentURL())
	if err != nil || page.Host == "" {
		return check.Finding{}, fmt.Errorf("session has no loaded URL: %q", sess.CurrentURL())
	}
	site := registrableDomain(page.Hostname())

	thirdParty := map[string]struct{}{}
	hits := []map[string]any{}
	seenTracker := map[string]struct{}{}
	for _, src := range trackerSources {
		nodes, err := sess.Find(ctx, src.selector)
		if err != nil {
			return check.Finding{}, fmt.Errorf("query %q: %w", src.selector, err)
		}
		for _, n := range nodes {
			raw, _ := n.Attr(src.attr)
			u, err := page.Parse(strings.TrimSpace(raw))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				continue
			}
			domain := registrableDomain(u.Hostname())
			if domain == "" || domain == site {
				continue
			}
			thirdParty[domain] = struct{}{}
			tr, ok := c.table.TrackerFor(u)
			if !ok {
				continue
			}
			if _, dup := seenTracker[tr.Name]; dup {
				continue
			}
			seenTracker[tr.Name] = struct{}{}
			hits = append(hits, map[string]any{
				"name":     tr.Name,
				"category": tr.Category,
				"url":      u.String(),
			})
		}
	}

	domains := make([]string, 0, len(thirdParty))
	for d := range thirdParty {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	evidence := map[string]any{
		"site":                site,
		"third_party_domains": domains,
		"trackers":            hits,
	}
	if len(hits) == 0 {
		return check.Finding{
			Status:   check.StatusPass,
			Details:  fmt.Sprintf("no known trackers load before consent (%d third-party domains)", len(domains)),
			Evidence: evidence,
		}, nil
	}

	names := make([]string, 0, len(hits))
	for _, h := range hits {
		names = append(names, h["name"].(string))
	}
	return check.Finding{
		Status:   check.StatusWarning,
		Details:  fmt.Sprintf("%d tracker(s) load before consent: %s", len(hits), strings.Join(names, ", ")),
		Evidence: evidence,
		Remediation: "Load analytics, advertising and social scripts only after the visitor opts in, " +
			"and list every third party in the privacy policy.",
	}, nil
}

// registrableDomain returns the eTLD+1 of host, or host itself for IPs,
// single-label names and public suffixes.
func registrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
