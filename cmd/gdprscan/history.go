package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/checkers"
	"github.com/odvcencio/gdprscan/pkg/fetch"
	"github.com/odvcencio/gdprscan/pkg/logging"
	"github.com/odvcencio/gdprscan/pkg/report"
	"github.com/odvcencio/gdprscan/pkg/signatures"
	"github.com/odvcencio/gdprscan/pkg/terminal"
)

func runHistoryCommand(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file (skips the user and project files)")
	limit := fs.Int("limit", 20, "maximum number of scans to list")
	asJSON := fs.Bool("json", false, "print records as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return flagError(err)
	}
	if len(positional) > 1 {
		return withExitCode(errors.New("usage: gdprscan history [url|host] [--limit n]"), exitUsage)
	}
	target := ""
	if len(positional) == 1 {
		target = positional[0]
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListScans(context.Background(), target, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	terminal.New().ScanList(records)
	return nil
}

func runShowCommand(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file (skips the user and project files)")
	formatFlag := fs.String("format", "md", "report format: pdf, md, html, xlsx or json")
	outFlag := fs.String("out", "", "write the report to this file instead of the terminal")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return flagError(err)
	}
	if len(positional) != 1 {
		return withExitCode(errors.New("usage: gdprscan show <scan-id> [--format f] [--out path]"), exitUsage)
	}
	format, err := report.ParseFormat(*formatFlag)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	scan, err := store.GetScan(context.Background(), positional[0])
	if err != nil {
		return err
	}
	renderer := report.NewRenderer(report.Options{Title: cfg.Report.Title, Generator: "gdprscan " + version}, nil, nil)
	data, err := renderer.Render(format, scan)
	if err != nil {
		return err
	}

	out := *outFlag
	if out == "" && (format == report.FormatPDF || format == report.FormatXLSX) {
		out = report.Filename(scan, format)
	}
	if out != "" {
		path := reportPath(out, scan, format)
		if err := writeReport(path, data); err != nil {
			return err
		}
		terminal.New().Success("report written to %s", path)
		return nil
	}
	if format == report.FormatMarkdown {
		return terminal.New().Markdown(string(data))
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runLogsCommand(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file (skips the user and project files)")
	count := fs.Int("n", 200, "number of most recent events to print")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return flagError(err)
	}
	if len(positional) != 1 {
		return withExitCode(errors.New("usage: gdprscan logs <scan-id> [-n count]"), exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	path := logging.ScanLogPath(cfg.LogDir(), positional[0])
	events, err := logging.ReadRecentEvents(path, *count)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no event log for scan %s", positional[0])
		}
		return err
	}
	terminal.New().Events(events)
	return nil
}

func runChecksCommand(args []string) error {
	fs := flag.NewFlagSet("checks", flag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file (skips the user and project files)")
	if err := fs.Parse(args); err != nil {
		return flagError(err)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	table, err := signatures.Load(cfg.Checks.Signatures)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	disabled := make(map[string]bool, len(cfg.Checks.Disabled))
	for _, id := range cfg.Checks.Disabled {
		disabled[id] = true
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSEVERITY\tENABLED")
	for _, c := range checkers.Default(table, fetch.New(cfg.FetchOptions()), cfg.Checks.Options) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", c.ID(), c.Name(), check.SeverityOf(c), !disabled[c.ID()])
	}
	return tw.Flush()
}
