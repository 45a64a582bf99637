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

// DataCollectionFormsID identifies the form check.
const DataCollectionFormsID = "data_collection_forms"

// nonDataInputs are input types that never carry personal data.
var nonDataInputs = map[string]bool{
	"hidden": true, "submit": true, "button": true, "reset": true, "image": true,
	"checkbox": true, "radio": true, "search": true, "range": true, "color": true,
}

// personalInputs are input types that collect personal data even when
// optional.
var personalInputs = map[string]bool{"text": true, "email": true, "tel": true, "textarea": true}

var consentAttrs = []string{"id", "name", "class", "aria-label", "value"}

// DataCollectionForms grades every form that collects personal data for a
// privacy notice, an explicit consent control and encrypted submission.
type DataCollectionForms struct {
	table *signatures.Table
}

// NewDataCollectionForms builds the checker.
func NewDataCollectionForms(table *signatures.Table) *DataCollectionForms {
	return &DataCollectionForms{table: table}
}

func (c *DataCollectionForms) ID() string { return DataCollectionFormsID }

func (c *DataCollectionForms) Name() string { return "Data Collection Form Compliance" }

func (c *DataCollectionForms) Severity() check.Severity { return check.SeverityHigh }

type formReport struct {
	label     string
	action    string
	secure    bool
	personal  []string
	sensitive []string
	consent   bool
	notice    bool
}

// signIn reports a credentials form: a password plus at most one identifier.
// Those are exempt from the consent requirement.
func (r formReport) signIn() bool {
	return len(r.sensitive) > 0 && len(r.personal) <= 2
}

func (r formReport) collects() bool {
	return len(r.personal) > 0 || len(r.sensitive) > 0
}

func (r formReport) issues() []string {
	if !r.collects() {
		return nil
	}
	var out []string
	if !r.signIn() {
		if !r.notice {
			out = append(out, r.label+": no privacy policy link near the form")
		}
		if !r.consent {
			out = append(out, r.label+": no explicit consent checkbox for data processing")
		}
	}
	switch {
	case !r.secure && len(r.sensitive) > 0:
		out = append(out, fmt.Sprintf("%s: sends %s without HTTPS", r.label, strings.Join(r.sensitive, ", ")))
	case !r.secure:
		out = append(out, r.label+": submits personal data over plain HTTP")
	}
	return out
}

func (r formReport) evidence() map[string]any {
	return map[string]any{
		"form":             r.label,
		"action":           r.action,
		"secure":           r.secure,
		"personal_fields":  r.personal,
		"sensitive_fields": r.sensitive,
		"consent_control":  r.consent,
		"privacy_link":     r.notice,
	}
}

func (c *DataCollectionForms) Check(ctx context.Context, sess browser.Session) (check.Finding, error) {
	page, err := url.Parse(sess.CurrentURL())
	if err != nil || page.Host == "" {
		return check.Finding{}, fmt.Errorf("session has no loaded URL: %q", sess.CurrentURL())
	}
	forms, err := sess.Find(ctx, "form")
	if err != nil {
		return check.Finding{}, fmt.Errorf("query forms: %w", err)
	}

	issues := []string{}
	reports := make([]map[string]any, 0, len(forms))
	collecting := 0
	for i, form := range forms {
		r := c.inspect(page, form, i+1)
		if !r.collects() {
			continue
		}
		collecting++
		reports = append(reports, r.evidence())
		issues = append(issues, r.issues()...)
	}

	evidence := map[string]any{
		"forms":            len(forms),
		"collecting_forms": collecting,
		"form_reports":     reports,
		"issues":           issues,
	}
	switch {
	case collecting == 0:
		return check.Finding{
			Status:   check.StatusPass,
			Details:  fmt.Sprintf("no form collects personal data (%d forms on the page)", len(forms)),
			Evidence: evidence,
		}, nil
	case len(issues) == 0:
		return check.Finding{
			Status:   check.StatusPass,
			Details:  fmt.Sprintf("%d data collection form(s) link the privacy policy, ask for consent and submit over HTTPS", collecting),
			Evidence: evidence,
		}, nil
	}
	return check.Finding{
		Status:   check.StatusFail,
		Details:  fmt.Sprintf("%d issue(s) in data collection forms: %s", len(issues), strings.Join(issues, "; ")),
		Evidence: evidence,
		Remediation: "Link the privacy policy next to every form, add an unticked consent checkbox " +
			"for processing that relies on consent and submit forms to HTTPS endpoints only.",
	}, nil
}

func (c *DataCollectionForms) inspect(page *url.URL, form browser.Node, n int) formReport {
	r := formReport{label: formLabel(form, n), personal: []string{}, sensitive: []string{}}

	action, _ := form.Attr("action")
	r.action = strings.TrimSpace(action)
	target := page
	if r.action != "" && !skipHref(r.action) {
		if u, err := url.Parse(r.action); err == nil {
			target = page.ResolveReference(u)
		}
	}
	r.secure = target.Scheme == "https"

	for _, field := range form.Find("input, textarea, select") {
		kind := fieldKind(field)
		if nonDataInputs[kind] {
			continue
		}
		name := fieldName(field, kind)
		if kind == "password" || c.sensitive(field) {
			r.sensitive = append(r.sensitive, name)
		}
		_, required := field.Attr("required")
		if kind != "password" && (personalInputs[kind] || required) {
			r.personal = append(r.personal, name)
		}
	}
	if len(r.sensitive) > 0 {
		// Credentials count towards the identifier budget of sign-in forms.
		r.personal = append(r.personal, r.sensitive...)
		r.personal = dedupe(r.personal)
	}

	r.consent = c.hasConsentControl(form)
	for _, a := range form.Find("a[href]") {
		href, _ := a.Attr("href")
		if matches(c.table.PolicyLinks, browser.TextOf(a)) || matches(c.table.PolicyLinks, href) {
			r.notice = true
			break
		}
	}
	return r
}

func (c *DataCollectionForms) sensitive(field browser.Node) bool {
	for _, attr := range []string{"autocomplete", "name", "id"} {
		if v, ok := field.Attr(attr); ok {
			if _, hit := c.table.Forms.Sensitive.Contains(v); hit {
				return true
			}
		}
	}
	return false
}

// hasConsentControl matches checkboxes by their own attributes or by the
// text of their label.
func (c *DataCollectionForms) hasConsentControl(form browser.Node) bool {
	labels := map[string]string{}
	for _, l := range form.Find("label") {
		text := browser.TextOf(l)
		if len(l.Find(`input[type="checkbox"]`)) > 0 {
			if _, ok := c.table.Forms.Consent.Contains(text); ok {
				return true
			}
		}
		if id, ok := l.Attr("for"); ok {
			labels[id] = text
		}
	}
	for _, box := range form.Find(`input[type="checkbox"]`) {
		for _, attr := range consentAttrs {
			if v, ok := box.Attr(attr); ok {
				if _, hit := c.table.Forms.Consent.Contains(v); hit {
					return true
				}
			}
		}
		if id, ok := box.Attr("id"); ok {
			if _, hit := c.table.Forms.Consent.Contains(labels[id]); hit {
				return true
			}
		}
	}
	return false
}

func formLabel(form browser.Node, n int) string {
	if id, ok := form.Attr("id"); ok && strings.TrimSpace(id) != "" {
		return fmt.Sprintf("form %d (#%s)", n, strings.TrimSpace(id))
	}
	if name, ok := form.Attr("name"); ok && strings.TrimSpace(name) != "" {
		return fmt.Sprintf("form %d (%s)", n, strings.TrimSpace(name))
	}
	return fmt.Sprintf("form %d", n)
}

func fieldKind(field browser.Node) string {
	switch tag := strings.ToLower(field.Tag()); tag {
	case "textarea", "select":
		return tag
	}
	kind, _ := field.Attr("type")
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return "text"
	}
	return kind
}

func fieldName(field browser.Node, kind string) string {
	for _, attr := range []string{"name", "id"} {
		if v, ok := field.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return kind
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
