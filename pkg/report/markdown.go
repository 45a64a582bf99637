package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
)

// MarkdownBuilder renders a GitHub-flavoured markdown report.
type MarkdownBuilder struct {
	opts Options
}

// NewMarkdown creates a markdown builder.
func NewMarkdown(opts Options) *MarkdownBuilder {
	return &MarkdownBuilder{opts: opts.normalize()}
}

func (b *MarkdownBuilder) Build(scan *orchestrator.Scan) ([]byte, error) {
	results, summary, err := rows(scan)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n", b.opts.Title)

	buf.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&buf, "| Website | %s |\n", cell(scan.URL))
	fmt.Fprintf(&buf, "| Scan ID | `%s` |\n", scan.ID)
	fmt.Fprintf(&buf, "| Scanned | %s |\n", formatTime(scan.StartedAt))
	if scan.Engine != "" {
		fmt.Fprintf(&buf, "| Engine | %s |\n", cell(scan.Engine))
	}
	fmt.Fprintf(&buf, "| Compliance score | %s |\n", formatScore(summary))
	fmt.Fprintf(&buf, "| Generated | %s by %s |\n\n", formatTime(b.opts.Now()), cell(b.opts.Generator))

	if scan.Aborted {
		fmt.Fprintf(&buf, "> **Scan aborted:** %s\n\n", inline(scan.Error))
	}

	buf.WriteString("## Summary\n\n")
	buf.WriteString("| Total | Passed | Failed | Warnings | Errors | Skipped |\n")
	buf.WriteString("|---:|---:|---:|---:|---:|---:|\n")
	fmt.Fprintf(&buf, "| %d | %d | %d | %d | %d | %d |\n\n",
		summary.Total, summary.Passed, summary.Failed, summary.Warnings, summary.Errors, summary.Skipped)

	buf.WriteString("## Findings\n\n")
	if len(results) == 0 {
		buf.WriteString("No checks were run.\n")
		return buf.Bytes(), nil
	}
	buf.WriteString("| # | Check | Status | Severity | Details |\n")
	buf.WriteString("|---:|---|---|---|---|\n")
	for i, r := range results {
		fmt.Fprintf(&buf, "| %d | %s (`%s`) | %s | %s | %s |\n",
			i+1, cell(r.CheckName), r.CheckID, statusBadge(r.Status), severityLabel(r.Severity), cell(r.Details))
	}

	var detail bytes.Buffer
	for _, r := range results {
		lines := evidenceLines(r.Evidence)
		if r.Remediation == "" && len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&detail, "### %s\n\n", inline(r.CheckName))
		if r.Remediation != "" {
			fmt.Fprintf(&detail, "**Remediation:** %s\n\n", inline(r.Remediation))
		}
		for _, line := range lines {
			fmt.Fprintf(&detail, "- %s\n", inline(line))
		}
		if len(lines) > 0 {
			detail.WriteString("\n")
		}
	}
	if detail.Len() > 0 {
		buf.WriteString("\n## Details\n\n")
		buf.Write(detail.Bytes())
	}
	return buf.Bytes(), nil
}

func statusBadge(s check.Status) string {
	switch s {
	case check.StatusPass, check.StatusSkipped:
		return string(s)
	default:
		return "**" + string(s) + "**"
	}
}

// cell makes text safe inside a table cell.
func cell(s string) string {
	s = inline(s)
	s = strings.ReplaceAll(s, "|", `\|`)
	if s == "" {
		return "-"
	}
	return s
}

func inline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
