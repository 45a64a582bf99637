package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/odvcencio/gdprscan/pkg/report"
	"github.com/odvcencio/gdprscan/pkg/server"
)

type scanServer interface {
	Start(ctx context.Context) error
}

// serveNewServerFn allows tests to capture the server configuration.
var serveNewServerFn = func(cfg server.Config, a *app) (scanServer, error) {
	return server.New(cfg, a.runner, a.historyStore(), a.renderer, a.logger, a.hub)
}

func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file (skips the user and project files)")
	bind := fs.String("bind", "", "address to bind the scan API (default from config)")
	allowRemote := fs.Bool("allow-remote", false, "permit a non-loopback bind address")
	engine := fs.String("engine", "", "browser engine: chromedp or static")
	parallel := fs.Bool("parallel", false, "run every check in its own browser session")
	verbose := fs.Bool("verbose", false, "mirror event logs to stderr")
	if err := fs.Parse(args); err != nil {
		return flagError(err)
	}
	if fs.NArg() > 0 {
		return withExitCode(fmt.Errorf("unexpected argument %q", fs.Arg(0)), exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if b := strings.TrimSpace(*bind); b != "" {
		cfg.Server.Bind = b
	}
	if *allowRemote {
		cfg.Server.AllowRemote = true
	}
	if *engine != "" {
		cfg.Browser.Engine = *engine
	}
	if *parallel {
		cfg.Scan.Parallel = true
	}
	if err := cfg.Validate(); err != nil {
		return withExitCode(err, exitUsage)
	}
	format, err := report.ParseFormat(cfg.Report.Format)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	opts := appOptions{}
	if *verbose {
		opts.logMirror = os.Stderr
	}
	a, err := newApp(cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := serveNewServerFn(server.Config{
		BindAddress:        cfg.Server.Bind,
		MaxConcurrentScans: cfg.Server.MaxConcurrentScans,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		ReportFormat:       format,
		Version:            version,
	}, a)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "gdprscan %s listening on http://%s (engine %s)\n", version, cfg.Server.Bind, cfg.Browser.Engine)
	if a.store == nil {
		fmt.Fprintln(os.Stderr, "Scan history is disabled; /api/scans history routes return 503.")
	}
	return srv.Start(ctx)
}
