// Package report renders a finished scan into downloadable documents.
package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/gdprscan/pkg/check"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/logging"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

// Format names an output document type.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatXLSX     Format = "xlsx"
	FormatJSON     Format = "json"
)

// Formats lists every supported format.
func Formats() []Format {
	return []Format{FormatPDF, FormatMarkdown, FormatHTML, FormatXLSX, FormatJSON}
}

// ParseFormat accepts a format name or a common alias.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pdf":
		return FormatPDF, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", gserrors.Newf(gserrors.ErrCodeReportFormat, "unsupported report format %q", raw).
			WithRemediation("Use one of: pdf, md, html, xlsx, json")
	}
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Extension is the file extension without the dot.
func (f Format) Extension() string {
	return string(f)
}

// Builder turns a scan into a document. Every builder emits exactly one row
// per result, including SKIPPED and ERROR rows.
type Builder interface {
	Build(scan *orchestrator.Scan) ([]byte, error)
}

// Options are shared by the builders.
type Options struct {
	Title     string
	Generator string
	// Now stamps the generated document. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the default document options.
func DefaultOptions() Options {
	return Options{
		Title:     "GDPR Compliance Report",
		Generator: "gdprscan",
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.Title == "" {
		o.Title = def.Title
	}
	if o.Generator == "" {
		o.Generator = def.Generator
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New returns the builder for format.
func New(format Format, opts Options) (Builder, error) {
	switch format {
	case FormatPDF:
		return NewPDF(opts), nil
	case FormatMarkdown:
		return NewMarkdown(opts), nil
	case FormatHTML:
		return NewHTML(opts), nil
	case FormatXLSX:
		return NewXLSX(opts), nil
	case FormatJSON:
		return NewJSON(opts), nil
	default:
		return nil, gserrors.Newf(gserrors.ErrCodeReportFormat, "unsupported report format %q", format)
	}
}

// Renderer builds reports by format and reports each rendering.
type Renderer struct {
	opts   Options
	logger *logging.Logger
	hub    *telemetry.Hub
}

// NewRenderer creates a Renderer. logger and hub may be nil.
func NewRenderer(opts Options, logger *logging.Logger, hub *telemetry.Hub) *Renderer {
	return &Renderer{opts: opts, logger: logger, hub: hub}
}

// Render builds scan in the given format.
func (r *Renderer) Render(format Format, scan *orchestrator.Scan) ([]byte, error) {
	b, err := New(format, r.opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := b.Build(scan)
	if err != nil {
		_ = r.logger.Error(logging.CategoryReport, "report.failed", err.Error(), map[string]any{"format": string(format)})
		return nil, err
	}
	details := map[string]any{
		"format":      string(format),
		"bytes":       len(data),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	_ = r.logger.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryReport,
		EventType: "report.rendered",
		ScanID:    scan.ID,
		Details:   details,
	})
	if r.hub != nil {
		r.hub.Publish(telemetry.Event{Type: telemetry.EventReportRendered, ScanID: scan.ID, Data: details})
	}
	return data, nil
}

// Filename is the suggested download name for a report.
func Filename(scan *orchestrator.Scan, format Format) string {
	host := "scan"
	if scan != nil {
		host = sanitizeFilename(hostOf(scan.URL))
	}
	stamp := "unknown"
	if scan != nil && !scan.StartedAt.IsZero() {
		stamp = scan.StartedAt.UTC().Format("20060102-150405")
	}
	return fmt.Sprintf("gdpr-report-%s-%s.%s", host, stamp, format.Extension())
}

func hostOf(raw string) string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "scan"
	}
	return s
}

func sanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// rows returns the scan's results in order. A nil scan is rejected.
func rows(scan *orchestrator.Scan) ([]check.Result, check.Summary, error) {
	if scan == nil {
		return nil, check.Summary{}, gserrors.New(gserrors.ErrCodeInvalidInput, "no scan to render")
	}
	if scan.Results == nil {
		return nil, check.Summarize(nil), nil
	}
	results := scan.Results.Results()
	return results, check.Summarize(results), nil
}

// evidenceLines flattens evidence into sorted "key: value" strings.
func evidenceLines(evidence map[string]any) []string {
	if len(evidence) == 0 {
		return nil
	}
	keys := make([]string, 0, len(evidence))
	for k := range evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+formatValue(evidence[k]))
	}
	return lines
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []string:
		if len(val) == 0 {
			return "-"
		}
		return strings.Join(val, ", ")
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ", ")
	case []map[string]any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		return "{" + strings.Join(evidenceLines(val), "; ") + "}"
	default:
		return fmt.Sprint(val)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func formatScore(s check.Summary) string {
	return strconv.FormatFloat(s.ComplianceScore, 'f', 2, 64) + "%"
}

func severityLabel(s check.Severity) string {
	if s == "" {
		return "-"
	}
	return string(s)
}
