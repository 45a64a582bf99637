// Package signatures holds the pattern tables the checkers match against:
// consent banner selectors, CMP vendor scripts, control labels, privacy
// policy link terms, policy topics, tracker domains and the vocabularies of
// the form, subject rights and cookie policy checks.
package signatures

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/gdprscan/pkg/browser"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
)

//go:embed default.yaml
var defaultYAML []byte

// Table is the full set of detection patterns.
type Table struct {
	Banner      Banner    `yaml:"banner"`
	PolicyLinks Terms     `yaml:"policy_links"`
	Topics      []Topic   `yaml:"topics"`
	Trackers    []Tracker `yaml:"trackers"`

	Forms        Forms        `yaml:"forms"`
	Rights       Rights       `yaml:"rights"`
	CookiePolicy CookiePolicy `yaml:"cookie_policy"`
}

// Banner describes how consent banners are recognised.
type Banner struct {
	Selectors []string `yaml:"selectors"`
	Vendors   []Vendor `yaml:"vendors"`
	Accept    Terms    `yaml:"accept"`
	Reject    Terms    `yaml:"reject"`
	MoreInfo  Terms    `yaml:"more_info"`
}

// Forms holds the field vocabularies of data collection forms. Both lists
// are matched as substrings of field attributes such as id, name and class.
type Forms struct {
	Consent   Terms `yaml:"consent"`
	Sensitive Terms `yaml:"sensitive"`
}

// Rights describes how data subject rights information is recognised.
type Rights struct {
	Terms Terms `yaml:"terms"`
	// Pages are link labels or paths of dedicated request pages.
	Pages   Terms `yaml:"pages"`
	Contact Terms `yaml:"contact"`
}

// CookiePolicy locates the cookie policy and lists the sections it should
// cover.
type CookiePolicy struct {
	Links    Terms   `yaml:"links"`
	Sections []Topic `yaml:"sections"`
	// Preferences are labels of controls that reopen consent settings.
	Preferences Terms `yaml:"preferences"`
}

// Vendor is a consent management platform identified by its script URLs.
type Vendor struct {
	Name    string   `yaml:"name"`
	Scripts []string `yaml:"scripts"`
}

// Topic is a privacy policy subject matched by any of its keywords.
type Topic struct {
	Name     string `yaml:"name"`
	Keywords Terms  `yaml:"keywords"`
}

// Tracker is a known third-party tracking service. Domains may carry a path
// prefix, as in facebook.com/tr.
type Tracker struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Domains  []string `yaml:"domains"`
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
	defaultErr   error
)

// Default returns the embedded tables. The result is shared; callers must not
// modify it.
func Default() (*Table, error) {
	defaultOnce.Do(func() {
		defaultTable, defaultErr = Parse(defaultYAML, nil)
	})
	return defaultTable, defaultErr
}

// MustDefault is Default for package initialisation and tests.
func MustDefault() *Table {
	t, err := Default()
	if err != nil {
		panic(err)
	}
	return t
}

// Parse decodes a table. Sections present in data replace the matching
// sections of base; a nil base starts empty.
func Parse(data []byte, base *Table) (*Table, error) {
	table := &Table{}
	if base != nil {
		*table = base.clone()
	}
	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeConfigParse, "parse signature table")
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Load reads an override file on top of the embedded tables.
func Load(path string) (*Table, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeConfigLoad, "read signature table").
			WithContext("path", path)
	}
	table, err := Parse(data, base)
	if err != nil {
		if ge, ok := gserrors.As(err); ok {
			return nil, ge.WithContext("path", path)
		}
		return nil, err
	}
	return table, nil
}

// Validate compiles every selector and checks the tables the checkers need
// are populated.
func (t *Table) Validate() error {
	if len(t.Banner.Selectors) == 0 {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, "signature table has no banner selectors")
	}
	for _, sel := range t.Banner.Selectors {
		if _, err := browser.CompileSelector(sel); err != nil {
			return gserrors.Wrap(err, gserrors.ErrCodeConfigInvalid, "invalid banner selector").
				WithContext("selector", sel)
		}
	}
	if len(t.Banner.Accept) == 0 || len(t.Banner.Reject) == 0 {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, "signature table needs accept and reject terms")
	}
	if len(t.PolicyLinks) == 0 {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, "signature table has no privacy policy link terms")
	}
	for i, topic := range t.Topics {
		if topic.Name == "" || len(topic.Keywords) == 0 {
			return gserrors.Newf(gserrors.ErrCodeConfigInvalid, "topic %d needs a name and keywords", i)
		}
	}
	for _, tr := range t.Trackers {
		if tr.Name == "" || len(tr.Domains) == 0 {
			return gserrors.New(gserrors.ErrCodeConfigInvalid, "tracker needs a name and domains").
				WithContext("tracker", tr.Name)
		}
	}
	if len(t.Forms.Consent) == 0 {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, "signature table has no form consent terms")
	}
	if len(t.Rights.Terms) == 0 || len(t.Rights.Contact) == 0 {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, "signature table needs subject rights and contact terms")
	}
	if len(t.CookiePolicy.Links) == 0 {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, "signature table has no cookie policy link terms")
	}
	for i, section := range t.CookiePolicy.Sections {
		if section.Name == "" || len(section.Keywords) == 0 {
			return gserrors.Newf(gserrors.ErrCodeConfigInvalid, "cookie policy section %d needs a name and keywords", i)
		}
	}
	return nil
}

// VendorForScript returns the CMP vendor whose script pattern occurs in src.
func (t *Table) VendorForScript(src string) (Vendor, bool) {
	folded := Fold(src)
	for _, v := range t.Banner.Vendors {
		for _, pattern := range v.Scripts {
			if pattern != "" && strings.Contains(folded, Fold(pattern)) {
				return v, true
			}
		}
	}
	return Vendor{}, false
}

// TrackerFor returns the tracker serving u. Hosts match on a label boundary,
// so eviltracker.com does not match tracker.com.
func (t *Table) TrackerFor(u *url.URL) (Tracker, bool) {
	if u == nil {
		return Tracker{}, false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	path := u.EscapedPath()
	for _, tr := range t.Trackers {
		for _, entry := range tr.Domains {
			domain, prefix, _ := strings.Cut(strings.ToLower(entry), "/")
			if host != domain && !strings.HasSuffix(host, "."+domain) {
				continue
			}
			if prefix != "" && !strings.HasPrefix(strings.TrimPrefix(path, "/"), prefix) {
				continue
			}
			return tr, true
		}
	}
	return Tracker{}, false
}

func (t *Table) clone() Table {
	c := *t
	c.Banner.Selectors = append([]string(nil), t.Banner.Selectors...)
	c.Banner.Vendors = append([]Vendor(nil), t.Banner.Vendors...)
	c.Banner.Accept = append(Terms(nil), t.Banner.Accept...)
	c.Banner.Reject = append(Terms(nil), t.Banner.Reject...)
	c.Banner.MoreInfo = append(Terms(nil), t.Banner.MoreInfo...)
	c.PolicyLinks = append(Terms(nil), t.PolicyLinks...)
	c.Topics = append([]Topic(nil), t.Topics...)
	c.Trackers = append([]Tracker(nil), t.Trackers...)
	c.Forms.Consent = append(Terms(nil), t.Forms.Consent...)
	c.Forms.Sensitive = append(Terms(nil), t.Forms.Sensitive...)
	c.Rights.Terms = append(Terms(nil), t.Rights.Terms...)
	c.Rights.Pages = append(Terms(nil), t.Rights.Pages...)
	c.Rights.Contact = append(Terms(nil), t.Rights.Contact...)
	c.CookiePolicy.Links = append(Terms(nil), t.CookiePolicy.Links...)
	c.CookiePolicy.Sections = append([]Topic(nil), t.CookiePolicy.Sections...)
	c.CookiePolicy.Preferences = append(Terms(nil), t.CookiePolicy.Preferences...)
	return c
}

// Terms is a list of phrases matched against folded text.
type Terms []string

// Match returns the first term that starts a word in text.
func (ts Terms) Match(text string) (string, bool) {
	folded := Fold(text)
	if folded == "" {
		return "", false
	}
	for _, term := range ts {
		if containsWordPrefix(folded, Fold(term)) {
			return term, true
		}
	}
	return "", false
}

// MatchAll returns every term that starts a word in text.
func (ts Terms) MatchAll(text string) []string {
	folded := Fold(text)
	var out []string
	for _, term := range ts {
		if containsWordPrefix(folded, Fold(term)) {
			out = append(out, term)
		}
	}
	return out
}

// Contains returns the first term occurring anywhere in text. It suits
// attribute values such as newsletterConsent where terms are not whole words.
func (ts Terms) Contains(text string) (string, bool) {
	folded := Fold(text)
	if folded == "" {
		return "", false
	}
	for _, term := range ts {
		if f := Fold(term); f != "" && strings.Contains(folded, f) {
			return term, true
		}
	}
	return "", false
}

// Fold normalises text for matching: NFKC, Unicode case folding and collapsed
// whitespace.
func Fold(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// containsWordPrefix reports whether needle occurs in haystack at the start of
// a word. "ok" matches "ok" and "okay" but not "cookies".
func containsWordPrefix(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for offset := 0; offset < len(haystack); {
		i := strings.Index(haystack[offset:], needle)
		if i < 0 {
			return false
		}
		at := offset + i
		if at == 0 {
			return true
		}
		prev, _ := utf8.DecodeLastRuneInString(haystack[:at])
		if !unicode.IsLetter(prev) && !unicode.IsDigit(prev) {
			return true
		}
		_, size := utf8.DecodeRuneInString(haystack[at:])
		offset = at + size
	}
	return false
}

// String renders a short summary for logs.
func (t *Table) String() string {
	return fmt.Sprintf("signatures(selectors=%d vendors=%d topics=%d trackers=%d)",
		len(t.Banner.Selectors), len(t.Banner.Vendors), len(t.Topics), len(t.Trackers))
}
