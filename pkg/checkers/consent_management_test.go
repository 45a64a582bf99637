package checkers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/fetch"
)

const cookiePolicyText = "What are cookies? Cookies are small text files. Strictly necessary cookies keep you " +
	"signed in. How we use cookies: to remember your basket. You can manage cookies in your browser settings. " +
	"Some cookies are set by third parties such as payment providers."

func TestConsentManagementWithCMPPasses(t *testing.T) {
	sess := newFixture(t, "https://shop.test/", `<html><head>
<script src="https://consent.cookiebot.com/uc.js"></script>
<script>window.__tcfapi = window.__tcfapi || function () {};</script>
</head><body><footer><a href="/cookies">Cookie Policy</a><button>Cookie settings</button></footer></body></html>`, nil)
	fetcher := &fakeFetcher{pages: map[string]*fetch.Page{
		"https://shop.test/cookies": {StatusCode: http.StatusOK, Text: cookiePolicyText},
	}}

	f, err := NewConsentManagement(table(t), fetcher).Check(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, check.StatusPass, f.Status, f.Details)
	assert.Equal(t, "Cookiebot", f.Evidence["cmp"])
	assert.Equal(t, true, f.Evidence["tcf_stub"])
	assert.Equal(t, "https://shop.test/cookies", f.Evidence["cookie_policy_url"])
	assert.Equal(t, []string{"Cookie settings"}, f.Evidence["preference_controls"])
	assert.Equal(t, []string{}, f.Evidence["cookie_policy_missing"])
	assert.Contains(t, f.Details, "Cookiebot manages consent")
}

func TestConsentManagementTrackersWithoutManagerFail(t *testing.T) {
	sess := newFixture(t, "https://shop.test/", `<html><head>
<script src="https://www.google-analytics.com/analytics.js"></script>
<script src="https://connect.facebook.net/en_US/fbevents.js"></script>
<script src="/app.js"></script>
</head><body><main>Shop</main></body></html>`, nil)

	f, err := NewConsentManagement(table(t), &fakeFetcher{}).Check(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, check.StatusFail, f.Status)
	assert.Equal(t, []string{"Google Analytics", "Meta Pixel"}, f.Evidence["ungated_trackers"])
	assert.Equal(t, []string{
		"tracking scripts load without a consent manager: Google Analytics, Meta Pixel",
		"no cookie policy link found",
		"no control to review or withdraw consent after the first visit",
	}, f.Evidence["issues"])
	assert.NotEmpty(t, f.Remediation)
}

func TestConsentManagementGatedScriptsAreNotFlagged(t *testing.T) {
	sess := newFixture(t, "https://shop.test/", `<html><head>
<script type="text/plain" data-cookieconsent="statistics" src="https://www.googletagmanager.com/gtag/js?id=G-1"></script>
<script type="text/plain" data-category="marketing">fbq('init', '1');</script>
</head><body><a href="/cookie-policy">Cookies</a><a href="#" role="button">Manage consent</a></body></html>`, nil)

	f, err := NewConsentManagement(table(t), nil).Check(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, check.StatusPass, f.Status, f.Details)
	assert.Equal(t, 2, f.Evidence["gated_scripts"])
	assert.Equal(t, []string{}, f.Evidence["ungated_trackers"])
	assert.Equal(t, "https://shop.test/cookie-policy", f.Evidence["cookie_policy_url"])
}

func TestConsentManagementCookiePolicyGaps(t *testing.T) {
	const page = `<html><head><script src="https://cdn.cookielaw.org/scripttemplates/otSDKStub.js"></script></head>
<body><footer><a href="/legal/cookie-notice">Cookie notice</a></footer></body></html>`
	tests := []struct {
		name   string
		policy *fetch.Page
		want   string
	}{
		{"missing", nil, "cookie policy at https://shop.test/legal/cookie-notice returned HTTP 404"},
		{"thin", &fetch.Page{StatusCode: http.StatusOK, Text: "We use cookies to improve the shop."},
			"cookie policy does not cover: definition, types, management, third_parties"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{pages: map[string]*fetch.Page{}}
			if tt.policy != nil {
				fetcher.pages["https://shop.test/legal/cookie-notice"] = tt.policy
			}
			sess := newFixture(t, "https://shop.test/", page, nil)

			f, err := NewConsentManagement(table(t), fetcher).Check(context.Background(), sess)
			require.NoError(t, err)
			assert.Equal(t, check.StatusWarning, f.Status)
			assert.Equal(t, "OneTrust", f.Evidence["cmp"])
			assert.Equal(t, []string{tt.want}, f.Evidence["issues"])
		})
	}
}
