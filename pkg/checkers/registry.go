// Package checkers contains the built-in GDPR checks.
package checkers

import (
	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/signatures"
)

// Options configures every built-in checker.
type Options struct {
	CookieBanner      CookieBannerOptions      `yaml:"cookie_banner"`
	PrivacyPolicy     PrivacyPolicyOptions     `yaml:"privacy_policy"`
	SecureTransfer    SecureTransferOptions    `yaml:"secure_transfer"`
	DataSubjectRights DataSubjectRightsOptions `yaml:"data_subject_rights"`
}

// DefaultOptions returns the defaults of every checker.
func DefaultOptions() Options {
	return Options{
		CookieBanner:      DefaultCookieBannerOptions(),
		PrivacyPolicy:     DefaultPrivacyPolicyOptions(),
		SecureTransfer:    DefaultSecureTransferOptions(),
		DataSubjectRights: DefaultDataSubjectRightsOptions(),
	}
}

// IDs lists the built-in check ids in registration order.
func IDs() []string {
	return []string{
		CookieBannerID, PrivacyPolicyID, SecureTransferID, ThirdPartyTrackingID,
		DataCollectionFormsID, DataSubjectRightsID, ConsentManagementID,
	}
}

// Default returns the built-in checkers in registration order.
func Default(table *signatures.Table, fetcher PageFetcher, opts Options) []check.Checker {
	return []check.Checker{
		NewCookieBanner(table, opts.CookieBanner),
		NewPrivacyPolicy(table, fetcher, opts.PrivacyPolicy),
		NewSecureTransfer(fetcher, opts.SecureTransfer),
		NewThirdPartyTracking(table),
		NewDataCollectionForms(table),
		NewDataSubjectRights(table, fetcher, opts.DataSubjectRights),
		NewConsentManagement(table, fetcher),
	}
}
