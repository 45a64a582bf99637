package report

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/odvcencio/gdprscan/pkg/check"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
)

const (
	pdfFont   = "Arial"
	pdfMargin = 15.0
	pdfWidth  = 210.0
)

type rgb struct{ r, g, b int }

var (
	colorBrand = rgb{13, 60, 85}
	colorMuted = rgb{110, 110, 110}
	colorBlack = rgb{0, 0, 0}
)

var statusColors = map[check.Status]rgb{
	check.StatusPass:    {40, 167, 69},
	check.StatusFail:    {220, 53, 69},
	check.StatusWarning: {230, 140, 0},
	check.StatusError:   {128, 0, 128},
	check.StatusSkipped: {120, 120, 120},
}

// PDFBuilder renders an A4 report: a cover page with the summary followed by
// one findings block per result. Core fonts only cover cp1252, so text is
// translated and unmappable runes are dropped by fpdf.
type PDFBuilder struct {
	opts     Options
	compress bool
}

// NewPDF creates a PDF builder.
func NewPDF(opts Options) *PDFBuilder {
	return &PDFBuilder{opts: opts.normalize(), compress: true}
}

func (b *PDFBuilder) Build(scan *orchestrator.Scan) ([]byte, error) {
	results, summary, err := rows(scan)
	if err != nil {
		return nil, err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(b.compress)
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	pdf.SetTitle(b.opts.Title+" - "+scan.URL, true)
	pdf.SetSubject("GDPR compliance report for "+scan.URL, true)
	pdf.SetAuthor(b.opts.Generator, true)
	pdf.SetCreator(b.opts.Generator, true)
	pdf.SetCreationDate(b.opts.Now())
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont(pdfFont, "I", 8)
		setText(pdf, colorMuted)
		pdf.CellFormat(0, 6, tr(fmt.Sprintf("%s - page %d/{nb}", b.opts.Generator, pdf.PageNo())), "", 0, "C", false, 0, "")
	})

	b.coverPage(pdf, tr, scan, summary)
	b.findings(pdf, tr, results)

	if pdf.Err() {
		return nil, gserrors.Wrap(pdf.Error(), gserrors.ErrCodeReportRender, "render pdf")
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeReportRender, "write pdf")
	}
	return buf.Bytes(), nil
}

func (b *PDFBuilder) coverPage(pdf *fpdf.Fpdf, tr func(string) string, scan *orchestrator.Scan, summary check.Summary) {
	pdf.AddPage()
	pdf.SetFillColor(colorBrand.r, colorBrand.g, colorBrand.b)
	pdf.Rect(0, 0, pdfWidth, 40, "F")

	pdf.SetXY(pdfMargin, 13)
	pdf.SetFont(pdfFont, "B", 22)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(0, 10, tr(b.opts.Title), "", 1, "L", false, 0, "")

	pdf.SetY(52)
	label := func(name, value string) {
		pdf.SetFont(pdfFont, "B", 11)
		setText(pdf, colorBlack)
		pdf.CellFormat(45, 8, tr(name), "", 0, "L", false, 0, "")
		pdf.SetFont(pdfFont, "", 11)
		pdf.MultiCell(0, 8, tr(value), "", "L", false)
	}
	label("Website:", scan.URL)
	label("Scan ID:", scan.ID)
	label("Assessment date:", formatTime(scan.StartedAt))
	if scan.Engine != "" {
		label("Engine:", scan.Engine)
	}
	label("Compliance score:", formatScore(summary))
	if scan.Aborted {
		pdf.Ln(2)
		pdf.SetFont(pdfFont, "B", 11)
		setText(pdf, statusColors[check.StatusError])
		pdf.MultiCell(0, 7, tr("Scan aborted: "+scan.Error), "", "L", false)
	}

	pdf.Ln(8)
	pdf.SetFont(pdfFont, "B", 14)
	setText(pdf, colorBlack)
	pdf.CellFormat(0, 10, "Summary", "", 1, "L", false, 0, "")

	metrics := []struct {
		name  string
		value int
		color rgb
	}{
		{"Total checks", summary.Total, colorBrand},
		{"Passed", summary.Passed, statusColors[check.StatusPass]},
		{"Failed", summary.Failed, statusColors[check.StatusFail]},
		{"Warnings", summary.Warnings, statusColors[check.StatusWarning]},
		{"Errors", summary.Errors, statusColors[check.StatusError]},
		{"Skipped", summary.Skipped, statusColors[check.StatusSkipped]},
	}
	boxW := (pdfWidth - 2*pdfMargin - 10) / 3
	for i, m := range metrics {
		col := i % 3
		if col == 0 && i > 0 {
			pdf.Ln(24)
		}
		x := pdfMargin + float64(col)*(boxW+5)
		y := pdf.GetY()
		pdf.SetFillColor(m.color.r, m.color.g, m.color.b)
		pdf.Rect(x, y, boxW, 20, "F")
		pdf.SetTextColor(255, 255, 255)
		pdf.SetXY(x, y+2)
		pdf.SetFont(pdfFont, "B", 16)
		pdf.CellFormat(boxW, 9, fmt.Sprint(m.value), "", 2, "C", false, 0, "")
		pdf.SetFont(pdfFont, "", 9)
		pdf.CellFormat(boxW, 6, m.name, "", 0, "C", false, 0, "")
		pdf.SetXY(pdfMargin, y)
	}
	pdf.Ln(24)
}

func (b *PDFBuilder) findings(pdf *fpdf.Fpdf, tr func(string) string, results []check.Result) {
	pdf.AddPage()
	pdf.SetFont(pdfFont, "B", 16)
	setText(pdf, colorBrand)
	pdf.CellFormat(0, 12, "Detailed Findings", "", 1, "L", false, 0, "")

	if len(results) == 0 {
		pdf.SetFont(pdfFont, "", 11)
		setText(pdf, colorBlack)
		pdf.CellFormat(0, 8, "No checks were run.", "", 1, "L", false, 0, "")
		return
	}

	for i, r := range results {
		if pdf.GetY() > 250 {
			pdf.AddPage()
		}
		pdf.SetFont(pdfFont, "B", 13)
		setText(pdf, colorBlack)
		pdf.MultiCell(0, 8, tr(fmt.Sprintf("%d. %s", i+1, r.CheckName)), "", "L", false)

		pdf.SetFont(pdfFont, "B", 10)
		pdf.CellFormat(18, 7, "Status:", "", 0, "L", false, 0, "")
		setText(pdf, statusColor(r.Status))
		pdf.CellFormat(35, 7, string(r.Status), "", 0, "L", false, 0, "")
		setText(pdf, colorBlack)
		pdf.CellFormat(20, 7, "Severity:", "", 0, "L", false, 0, "")
		pdf.SetFont(pdfFont, "", 10)
		pdf.CellFormat(30, 7, severityLabel(r.Severity), "", 0, "L", false, 0, "")
		setText(pdf, colorMuted)
		pdf.CellFormat(0, 7, tr(r.CheckID), "", 1, "R", false, 0, "")

		setText(pdf, colorBlack)
		pdf.SetFont(pdfFont, "", 10)
		pdf.MultiCell(0, 5, tr(r.Details), "", "L", false)

		if lines := evidenceLines(r.Evidence); len(lines) > 0 {
			pdf.Ln(2)
			pdf.SetFont(pdfFont, "B", 9)
			pdf.CellFormat(0, 5, "Evidence:", "", 1, "L", false, 0, "")
			pdf.SetFont(pdfFont, "", 9)
			for _, line := range lines {
				pdf.MultiCell(0, 4.5, tr("- "+line), "", "L", false)
			}
		}
		if r.Remediation != "" {
			pdf.Ln(2)
			pdf.SetFont(pdfFont, "B", 9)
			pdf.CellFormat(0, 5, "Remediation:", "", 1, "L", false, 0, "")
			pdf.SetFont(pdfFont, "", 9)
			pdf.MultiCell(0, 4.5, tr(r.Remediation), "", "L", false)
		}

		pdf.Ln(3)
		pdf.SetDrawColor(200, 200, 200)
		y := pdf.GetY()
		pdf.Line(pdfMargin, y, pdfWidth-pdfMargin, y)
		pdf.Ln(4)
	}
}

func statusColor(s check.Status) rgb {
	if c, ok := statusColors[s]; ok {
		return c
	}
	return colorMuted
}

func setText(pdf *fpdf.Fpdf, c rgb) {
	pdf.SetTextColor(c.r, c.g, c.b)
}
