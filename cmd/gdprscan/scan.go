package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/odvcencio/gdprscan/pkg/config"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
	"github.com/odvcencio/gdprscan/pkg/report"
	"github.com/odvcencio/gdprscan/pkg/terminal"
)

type scanFlags struct {
	configPath string
	format     string
	out        string
	engine     string
	parallel   bool
	noStore    bool
	strict     bool
	quiet      bool
	verbose    bool
}

func runScanCommand(args []string) error {
	var opts scanFlags
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "configuration file (skips the user and project files)")
	fs.StringVar(&opts.format, "format", "", "report format: pdf, md, html, xlsx or json")
	fs.StringVar(&opts.out, "out", "", "report file or directory; - writes the report to stdout")
	fs.StringVar(&opts.engine, "engine", "", "browser engine: chromedp or static")
	fs.BoolVar(&opts.parallel, "parallel", false, "run every check in its own browser session")
	fs.BoolVar(&opts.noStore, "no-store", false, "do not record the scan in history")
	fs.BoolVar(&opts.strict, "strict", false, "exit 3 when any check fails or errors")
	fs.BoolVar(&opts.quiet, "quiet", false, "only print errors")
	fs.BoolVar(&opts.verbose, "verbose", false, "mirror event logs to stderr")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return flagError(err)
	}
	if len(positional) != 1 {
		return withExitCode(errors.New("usage: gdprscan scan <url> [flags]"), exitUsage)
	}
	target, err := orchestrator.ValidateURL(positional[0])
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfigFn(opts.configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if opts.engine != "" {
		cfg.Browser.Engine = opts.engine
	}
	if opts.parallel {
		cfg.Scan.Parallel = true
	}
	if err := cfg.Validate(); err != nil {
		return withExitCode(err, exitUsage)
	}

	format, outPath, err := resolveReportTarget(cfg, opts.format, opts.out)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	appOpts := appOptions{noStore: opts.noStore}
	if opts.verbose {
		appOpts.logMirror = os.Stderr
	}
	a, err := newApp(cfg, appOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var spinner *terminal.Spinner
	if !opts.quiet && terminal.IsTerminal(os.Stderr) {
		spinner = terminal.NewSpinner(os.Stderr, "starting scan")
		events, unsubscribe := a.hub.Subscribe()
		defer unsubscribe()
		spinner.Start()
		go spinner.Follow(ctx, events)
	}

	scan, err := a.runner.Run(ctx, target)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		return err
	}

	errOut := terminal.NewWithOutput(os.Stderr, terminal.IsTerminal(os.Stderr) && os.Getenv("NO_COLOR") == "")
	if a.store != nil {
		if err := a.store.SaveScan(ctx, scan); err != nil {
			errOut.Warn("scan not recorded: %v", err)
		}
	}

	data, err := a.renderer.Render(format, scan)
	if err != nil {
		return err
	}
	outPath = reportPath(outPath, scan, format)
	if err := writeReport(outPath, data); err != nil {
		return err
	}

	if !opts.quiet {
		out := terminal.New()
		if outPath == "-" {
			out = errOut
		}
		out.ScanSummary(scan)
		if outPath != "-" {
			out.Success("report written to %s", outPath)
		}
	}

	return scanOutcome(scan, opts.strict)
}

// scanOutcome maps a finished scan to the command result.
func scanOutcome(scan *orchestrator.Scan, strict bool) error {
	if scan.Aborted {
		return withExitCode(fmt.Errorf("scan aborted: %s", scan.Error), exitRuntime)
	}
	if strict && scan.Summary.HasProblems() {
		bad := scan.Summary.Failed + scan.Summary.Errors
		return withExitCode(fmt.Errorf("%d of %d checks failed or errored", bad, scan.Summary.Total), exitStrict)
	}
	return nil
}

// resolveReportTarget picks the format and destination. An explicit --format
// wins; otherwise a known --out extension; otherwise the configured default.
// The configured output directory is returned with a trailing separator so
// it is always treated as a directory.
func resolveReportTarget(cfg *config.Config, formatFlag, outFlag string) (report.Format, string, error) {
	raw := formatFlag
	if raw == "" && outFlag != "" && outFlag != "-" {
		if ext := strings.TrimPrefix(filepath.Ext(outFlag), "."); ext != "" {
			if f, err := report.ParseFormat(ext); err == nil {
				raw = string(f)
			}
		}
	}
	if raw == "" {
		raw = cfg.Report.Format
	}
	format, err := report.ParseFormat(raw)
	if err != nil {
		return "", "", err
	}

	if outFlag != "" {
		return format, config.ExpandHome(outFlag), nil
	}
	dir := config.ExpandHome(cfg.Report.OutputDir)
	if dir == "" {
		dir = "."
	}
	if !strings.HasSuffix(dir, string(os.PathSeparator)) {
		dir += string(os.PathSeparator)
	}
	return format, dir, nil
}

// reportPath resolves a directory destination to a file inside it.
func reportPath(dest string, scan *orchestrator.Scan, format report.Format) string {
	if dest == "-" {
		return dest
	}
	if info, err := os.Stat(dest); (err == nil && info.IsDir()) || strings.HasSuffix(dest, string(os.PathSeparator)) {
		return filepath.Join(dest, report.Filename(scan, format))
	}
	return dest
}

func writeReport(path string, data []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
