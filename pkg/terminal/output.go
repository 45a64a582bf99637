// Package terminal renders scan results, history and event logs for the
// gdprscan CLI. Color is optional so output can be piped or captured.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/logging"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
	"github.com/odvcencio/gdprscan/pkg/storage"
)

const defaultWidth = 100

// Writer provides styled terminal output.
type Writer struct {
	out   io.Writer
	color bool
	width int
	mu    sync.Mutex

	errorStyle   lipgloss.Style
	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
	infoStyle    lipgloss.Style
	dimStyle     lipgloss.Style
	boldStyle    lipgloss.Style
	headerStyle  lipgloss.Style
	badgeStyle   lipgloss.Style
}

// New creates a Writer on stdout, colored when stdout is a terminal and
// NO_COLOR is unset.
func New() *Writer {
	return NewWithOutput(os.Stdout, IsTerminal(os.Stdout) && os.Getenv("NO_COLOR") == "")
}

// NewWithOutput creates a Writer on out.
func NewWithOutput(out io.Writer, color bool) *Writer {
	renderer := lipgloss.NewRenderer(out)
	if color {
		renderer.SetColorProfile(termenv.ANSI256)
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}

	return &Writer{
		out:   out,
		color: color,
		width: terminalWidth(out),

		errorStyle: renderer.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}).
			Bold(true),
		warnStyle: renderer.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		successStyle: renderer.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),
		infoStyle: renderer.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),
		dimStyle: renderer.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
		boldStyle: renderer.NewStyle().Bold(true),
		headerStyle: renderer.NewStyle().
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#CCCCCC", Dark: "#444444"}),
		badgeStyle: renderer.NewStyle().Bold(true).Width(8),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

// Println writes text with a newline.
func (w *Writer) Println(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format+"\n", args...)
}

// Error prints an error message in red.
func (w *Writer) Error(format string, args ...any) {
	w.line(w.errorStyle, "error: "+fmt.Sprintf(format, args...))
}

// Warn prints a warning message in yellow.
func (w *Writer) Warn(format string, args ...any) {
	w.line(w.warnStyle, "warning: "+fmt.Sprintf(format, args...))
}

// Success prints a success message in green.
func (w *Writer) Success(format string, args ...any) {
	w.line(w.successStyle, "✓ "+fmt.Sprintf(format, args...))
}

// Dim prints secondary text.
func (w *Writer) Dim(format string, args ...any) {
	w.line(w.dimStyle, fmt.Sprintf(format, args...))
}

func (w *Writer) line(style lipgloss.Style, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, style.Render(msg))
}

// Markdown renders markdown for the terminal. Without color the source is
// written unchanged so it stays valid markdown.
func (w *Writer) Markdown(md string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.color {
		_, err := io.WriteString(w.out, md)
		return err
	}
	style := "dark"
	if !termenv.HasDarkBackground() {
		style = "light"
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(min(w.width, 120)),
	)
	if err != nil {
		_, _ = io.WriteString(w.out, md)
		return err
	}
	rendered, err := renderer.Render(md)
	if err != nil {
		_, _ = io.WriteString(w.out, md)
		return err
	}
	_, err = io.WriteString(w.out, rendered)
	return err
}

// Status renders a status word styled by outcome.
func (w *Writer) Status(status check.Status) string {
	style := w.badgeStyle
	switch status {
	case check.StatusPass:
		style = style.Inherit(w.successStyle)
	case check.StatusFail, check.StatusError:
		style = style.Inherit(w.errorStyle)
	case check.StatusWarning:
		style = style.Inherit(w.warnStyle)
	default:
		style = style.Inherit(w.dimStyle)
	}
	return style.Render(string(status))
}

// ScanSummary prints one line per result and the totals of a scan.
func (w *Writer) ScanSummary(scan *orchestrator.Scan) {
	if scan == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	fmt.Fprintln(w.out, w.headerStyle.Render("GDPR scan  "+scan.URL))
	meta := fmt.Sprintf("id %s  engine %s  duration %s", scan.ID, orDash(scan.Engine), scan.Duration().Round(time.Millisecond))
	fmt.Fprintln(w.out, w.dimStyle.Render(meta))
	if scan.Aborted {
		fmt.Fprintln(w.out, w.errorStyle.Render("aborted: "+scan.Error))
	}
	fmt.Fprintln(w.out)

	var results []check.Result
	if scan.Results != nil {
		results = scan.Results.Results()
	}
	idWidth := 12
	for _, r := range results {
		idWidth = max(idWidth, runewidth.StringWidth(r.CheckID))
	}
	detailWidth := max(w.width-idWidth-14, 20)
	for _, r := range results {
		details := runewidth.Truncate(singleLine(r.Details), detailWidth, "…")
		fmt.Fprintf(w.out, " %s %s  %s\n", w.Status(r.Status), runewidth.FillRight(r.CheckID, idWidth), details)
	}

	s := scan.Summary
	fmt.Fprintln(w.out)
	score := w.boldStyle.Render(fmt.Sprintf("score %.2f%%", s.ComplianceScore))
	fmt.Fprintf(w.out, "%s  %s\n", score, w.dimStyle.Render(fmt.Sprintf(
		"passed %d  failed %d  warnings %d  errors %d  skipped %d",
		s.Passed, s.Failed, s.Warnings, s.Errors, s.Skipped)))
}

// ScanList prints stored scans newest first.
func (w *Writer) ScanList(records []storage.ScanRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(records) == 0 {
		fmt.Fprintln(w.out, w.dimStyle.Render("no scans recorded"))
		return
	}
	urlWidth := max(w.width-70, 24)
	fmt.Fprintln(w.out, w.boldStyle.Render(fmt.Sprintf("%-26s  %-19s  %7s  %-*s  %s",
		"ID", "STARTED", "SCORE", urlWidth, "URL", "RESULTS")))
	for _, rec := range records {
		counts := fmt.Sprintf("%d/%d pass", rec.Summary.Passed, rec.Summary.Total)
		if rec.Aborted {
			counts = w.errorStyle.Render("aborted")
		} else if rec.Summary.Failed+rec.Summary.Errors > 0 {
			counts = w.errorStyle.Render(counts)
		}
		fmt.Fprintf(w.out, "%-26s  %-19s  %6.2f%%  %s  %s\n",
			rec.ID,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Summary.ComplianceScore,
			runewidth.FillRight(runewidth.Truncate(rec.URL, urlWidth, "…"), urlWidth),
			counts,
		)
	}
}

// Events prints logged events, one per line.
func (w *Writer) Events(events []logging.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range events {
		style := w.dimStyle
		switch e.Level {
		case logging.LevelError:
			style = w.errorStyle
		case logging.LevelWarn:
			style = w.warnStyle
		case logging.LevelInfo:
			style = w.infoStyle
		}
		line := fmt.Sprintf("%s %-5s %-8s %s", e.Timestamp.Local().Format("15:04:05.000"), e.Level, e.Category, e.EventType)
		if e.CheckID != "" {
			line += " [" + e.CheckID + "]"
		}
		if e.Message != "" {
			line += " " + singleLine(e.Message)
		}
		fmt.Fprintln(w.out, style.Render(line))
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
