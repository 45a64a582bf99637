package report

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/odvcencio/gdprscan/pkg/check"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
)

const (
	findingsSheet = "Findings"
	summarySheet  = "Summary"
)

var findingsHeader = []any{"#", "Check ID", "Check", "Status", "Severity", "Details", "Remediation", "Evidence", "Duration (ms)", "Timestamp"}

// XLSXBuilder renders a workbook with a Findings sheet, one row per result,
// and a Summary sheet.
type XLSXBuilder struct {
	opts Options
}

// NewXLSX creates a spreadsheet builder.
func NewXLSX(opts Options) *XLSXBuilder {
	return &XLSXBuilder{opts: opts.normalize()}
}

func (b *XLSXBuilder) Build(scan *orchestrator.Scan) ([]byte, error) {
	results, summary, err := rows(scan)
	if err != nil {
		return nil, err
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := b.writeFindings(f, results); err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeReportRender, "write findings sheet")
	}
	if err := b.writeSummary(f, scan, summary); err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeReportRender, "write summary sheet")
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeReportRender, "render xlsx")
	}
	return buf.Bytes(), nil
}

func (b *XLSXBuilder) writeFindings(f *excelize.File, results []check.Result) error {
	if err := f.SetSheetName("Sheet1", findingsSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(findingsSheet, "A1", &findingsHeader); err != nil {
		return err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#0D3C55"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(findingsHeader))
	if err := f.SetCellStyle(findingsSheet, "A1", lastCol+"1", header); err != nil {
		return err
	}

	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return err
	}
	for i, r := range results {
		row := []any{
			i + 1,
			r.CheckID,
			r.CheckName,
			string(r.Status),
			severityLabel(r.Severity),
			r.Details,
			r.Remediation,
			strings.Join(evidenceLines(r.Evidence), "\n"),
			r.Duration.Milliseconds(),
			formatTime(r.Timestamp),
		}
		cellRef, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(findingsSheet, cellRef, &row); err != nil {
			return err
		}
	}
	if len(results) > 0 {
		last := len(results) + 1
		if err := f.SetCellStyle(findingsSheet, "F2", fmt.Sprintf("H%d", last), wrap); err != nil {
			return err
		}
		if err := f.AutoFilter(findingsSheet, fmt.Sprintf("A1:%s%d", lastCol, last), nil); err != nil {
			return err
		}
	}

	widths := map[string]float64{"A": 5, "B": 24, "C": 28, "D": 11, "E": 10, "F": 60, "G": 50, "H": 50, "I": 14, "J": 24}
	for col, w := range widths {
		if err := f.SetColWidth(findingsSheet, col, col, w); err != nil {
			return err
		}
	}
	return f.SetPanes(findingsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func (b *XLSXBuilder) writeSummary(f *excelize.File, scan *orchestrator.Scan, summary check.Summary) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	pairs := [][]any{
		{"Report", b.opts.Title},
		{"Website", scan.URL},
		{"Scan ID", scan.ID},
		{"Engine", scan.Engine},
		{"Started", formatTime(scan.StartedAt)},
		{"Finished", formatTime(scan.FinishedAt)},
		{"Aborted", scan.Aborted},
		{"Total checks", summary.Total},
		{"Passed", summary.Passed},
		{"Failed", summary.Failed},
		{"Warnings", summary.Warnings},
		{"Errors", summary.Errors},
		{"Skipped", summary.Skipped},
		{"Compliance score (%)", summary.ComplianceScore},
		{"Generated by", b.opts.Generator},
		{"Generated at", formatTime(b.opts.Now())},
	}
	if scan.Error != "" {
		pairs = append(pairs, []any{"Error", scan.Error})
	}
	for i, pair := range pairs {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cellRef, &pair); err != nil {
			return err
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", len(pairs)), bold); err != nil {
		return err
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 22); err != nil {
		return err
	}
	return f.SetColWidth(summarySheet, "B", "B", 60)
}
