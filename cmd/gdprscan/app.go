package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/browser/adapters/chromedp"
	"github.com/odvcencio/gdprscan/pkg/browser/adapters/static"
	"github.com/odvcencio/gdprscan/pkg/checkers"
	"github.com/odvcencio/gdprscan/pkg/config"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/fetch"
	"github.com/odvcencio/gdprscan/pkg/logging"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
	"github.com/odvcencio/gdprscan/pkg/report"
	"github.com/odvcencio/gdprscan/pkg/server"
	"github.com/odvcencio/gdprscan/pkg/signatures"
	"github.com/odvcencio/gdprscan/pkg/storage"
	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

// loadConfigFn allows tests to stub configuration loading.
var loadConfigFn = loadConfig

// newRuntimeFn allows tests to replace the browser runtime.
var newRuntimeFn = newRuntime

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(config.ExpandHome(path))
	}
	return config.Load()
}

func newRuntime(cfg *config.Config) (browser.Runtime, error) {
	switch cfg.Browser.Engine {
	case config.EngineStatic:
		return static.NewRuntime(static.Config{UserAgent: cfg.Browser.UserAgent}), nil
	case config.EngineChromedp, "":
		flags := make(map[string]any, len(cfg.Browser.ExtraFlags))
		for name, value := range cfg.Browser.ExtraFlags {
			flags[name] = extraFlagValue(value)
		}
		return chromedp.NewRuntime(chromedp.Config{
			ExecPath:   cfg.Browser.ChromePath,
			Headless:   cfg.Browser.Headless,
			ExtraFlags: flags,
		}), nil
	default:
		return nil, gserrors.Newf(gserrors.ErrCodeConfigInvalid, "invalid browser engine %q", cfg.Browser.Engine)
	}
}

// extraFlagValue turns "true"/"false" into booleans so chromedp emits bare
// switches; anything else is passed as the flag value.
func extraFlagValue(raw string) any {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "true":
		return true
	case "false":
		return false
	}
	return raw
}

type appOptions struct {
	noStore bool
	// logMirror receives a copy of every log event.
	logMirror io.Writer
}

// app holds the components shared by scan and serve.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	hub      *telemetry.Hub
	runtime  browser.Runtime
	runner   *orchestrator.Runner
	store    *storage.Store
	renderer *report.Renderer
	tracer   *telemetry.TracerProvider
	closers  []io.Closer
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, hub: telemetry.NewHub()}

	logger, err := logging.NewDirLogger(cfg.LogDir(), opts.logMirror)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: event log disabled: %v\n", err)
		logger = logging.Nop()
	}
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))
	a.logger = logger

	if cfg.Telemetry.Tracing {
		var w io.Writer = os.Stderr
		if path := strings.TrimSpace(cfg.Telemetry.TraceFile); path != "" {
			f, err := os.OpenFile(config.ExpandHome(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				a.Close()
				return nil, gserrors.Wrap(err, gserrors.ErrCodeConfigInvalid, "open trace file")
			}
			a.closers = append(a.closers, f)
			w = f
		}
		tracer, err := telemetry.NewTracerProvider("gdprscan", version, w)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.tracer = tracer
	}

	table, err := signatures.Load(cfg.Checks.Signatures)
	if err != nil {
		a.Close()
		return nil, withExitCode(err, exitUsage)
	}

	rt, err := newRuntimeFn(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runtime = rt

	checks := checkers.Default(table, fetch.New(cfg.FetchOptions()), cfg.Checks.Options)
	runner, err := orchestrator.New(rt, checks, orchestrator.Options{
		Parallel:     cfg.Scan.Parallel,
		MaxParallel:  cfg.Scan.MaxParallel,
		CheckTimeout: cfg.Scan.CheckTimeout,
		Deadline:     cfg.Scan.Deadline,
		Session:      cfg.SessionConfig(),
		Disabled:     cfg.Checks.Disabled,
		Engine:       cfg.Browser.Engine,
		Logger:       logger,
		Hub:          a.hub,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = runner

	if cfg.Storage.Enabled && !opts.noStore {
		store, err := storage.New(cfg.StoragePath())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
	}

	a.renderer = report.NewRenderer(report.Options{
		Title:     cfg.Report.Title,
		Generator: "gdprscan " + version,
	}, logger, a.hub)
	return a, nil
}

// historyStore returns the store as the server's interface, nil when history
// is disabled.
func (a *app) historyStore() server.Store {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *app) Close() {
	if a.runtime != nil {
		_ = a.runtime.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.tracer.Shutdown(ctx)
		cancel()
	}
	for _, c := range a.closers {
		_ = c.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// openStore opens the history database for the read-only commands.
func openStore(cfg *config.Config) (*storage.Store, error) {
	if !cfg.Storage.Enabled {
		return nil, withExitCode(errors.New("scan history is disabled (storage.enabled is false)"), exitUsage)
	}
	return storage.New(cfg.StoragePath())
}

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positionals in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		if args[0] == "--" {
			return append(positional, args[1:]...), nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func flagError(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return withExitCode(err, exitUsage)
}
