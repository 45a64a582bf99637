package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/checkers"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/fetch"
)

const (
	EngineChromedp = "chromedp"
	EngineStatic   = "static"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".gdprscan"

// Config is the complete gdprscan configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Scan      ScanConfig      `yaml:"scan"`
	Checks    ChecksConfig    `yaml:"checks"`
	Fetch     fetch.Options   `yaml:"fetch"`
	Report    ReportConfig    `yaml:"report"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrowserConfig selects and tunes the browser runtime.
type BrowserConfig struct {
	Engine            string            `yaml:"engine"`
	ChromePath        string            `yaml:"chrome_path"`
	Headless          bool              `yaml:"headless"`
	UserAgent         string            `yaml:"user_agent"`
	Locale            string            `yaml:"locale"`
	Viewport          browser.Viewport  `yaml:"viewport"`
	NavigationTimeout time.Duration     `yaml:"navigation_timeout"`
	ExtraFlags        map[string]string `yaml:"extra_flags"`
}

// ScanConfig controls one pass.
type ScanConfig struct {
	Parallel     bool          `yaml:"parallel"`
	MaxParallel  int           `yaml:"max_parallel"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
	Deadline     time.Duration `yaml:"deadline"`
}

// ChecksConfig enables checkers and carries their thresholds.
type ChecksConfig struct {
	Disabled []string `yaml:"disabled"`
	// Signatures is an optional YAML file overriding the built-in pattern
	// tables.
	Signatures       string `yaml:"signatures"`
	checkers.Options `yaml:",inline"`
}

// ReportConfig sets report defaults for the CLI.
type ReportConfig struct {
	Format    string `yaml:"format"`
	OutputDir string `yaml:"output_dir"`
	Title     string `yaml:"title"`
}

// StorageConfig locates the scan history database.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig configures `gdprscan serve`.
type ServerConfig struct {
	Bind string `yaml:"bind"`
	// AllowRemote permits a non-loopback bind address.
	AllowRemote        bool          `yaml:"allow_remote"`
	MaxConcurrentScans int           `yaml:"max_concurrent_scans"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
}

// TelemetryConfig enables span export.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
	// TraceFile receives spans as JSON; empty writes to stdout.
	TraceFile string `yaml:"trace_file"`
}

// LoggingConfig controls the JSONL event logs.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	session := browser.DefaultSessionConfig()
	return &Config{
		Browser: BrowserConfig{
			Engine:            EngineChromedp,
			Headless:          true,
			Locale:            session.Locale,
			Viewport:          session.Viewport,
			NavigationTimeout: session.NavigationTimeout,
		},
		Scan: ScanConfig{
			MaxParallel:  4,
			CheckTimeout: 30 * time.Second,
			Deadline:     3 * time.Minute,
		},
		Checks: ChecksConfig{
			Options: checkers.DefaultOptions(),
		},
		Fetch: defaultFetchOptions(),
		Report: ReportConfig{
			Format:    "pdf",
			OutputDir: ".",
			Title:     "GDPR Compliance Report",
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    filepath.Join("~", DirName, "history.db"),
		},
		Server: ServerConfig{
			Bind:               "127.0.0.1:8080",
			MaxConcurrentScans: 2,
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join("~", DirName, "logs"),
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, then ~/.gdprscan/config.yaml, then ./.gdprscan/config.yaml, then
// environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if home := userHome(); home != "" {
		userConfigPath := filepath.Join(home, DirName, "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	projectConfigPath := filepath.Join(".", DirName, "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg, configEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, path); err != nil {
		if os.IsNotExist(err) {
			return nil, gserrors.Wrap(err, gserrors.ErrCodeConfigLoad, "config file not found").WithContext("path", path)
		}
		return nil, err
	}

	applyEnvOverrides(cfg, configEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAndMerge decodes a YAML file over cfg. Keys absent from the file keep
// their current values; lists present in the file replace the current ones.
// A missing file is returned unwrapped so callers can test os.IsNotExist.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return gserrors.Wrap(err, gserrors.ErrCodeConfigLoad, "read config").WithContext("path", path)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return gserrors.Wrap(err, gserrors.ErrCodeConfigParse, "parse config").WithContext("path", path)
	}
	return nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
}

// applyEnvOverrides applies GDPRSCAN_* variables. Values from the process
// environment win over ~/.gdprscan/config.env.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	get := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(configEnv[key])
	}
	duration := func(key string, dst *time.Duration) {
		if v := get(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if b, ok := parseBool(get(key)); ok {
			*dst = b
		}
	}

	if v := get("GDPRSCAN_ENGINE"); v != "" {
		cfg.Browser.Engine = strings.ToLower(v)
	}
	if v := get("GDPRSCAN_CHROME_PATH"); v != "" {
		cfg.Browser.ChromePath = v
	}
	boolean("GDPRSCAN_HEADLESS", &cfg.Browser.Headless)
	duration("GDPRSCAN_NAV_TIMEOUT", &cfg.Browser.NavigationTimeout)
	duration("GDPRSCAN_CHECK_TIMEOUT", &cfg.Scan.CheckTimeout)
	duration("GDPRSCAN_DEADLINE", &cfg.Scan.Deadline)
	boolean("GDPRSCAN_PARALLEL", &cfg.Scan.Parallel)
	if v := get("GDPRSCAN_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Scan.MaxParallel = n
		}
	}
	if v := get("GDPRSCAN_SIGNATURES"); v != "" {
		cfg.Checks.Signatures = v
	}
	if v := get("GDPRSCAN_DISABLED_CHECKS"); v != "" {
		cfg.Checks.Disabled = splitCommaList(v)
	}
	if v := get("GDPRSCAN_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	boolean("GDPRSCAN_STORE", &cfg.Storage.Enabled)
	if v := get("GDPRSCAN_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := get("GDPRSCAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := get("GDPRSCAN_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	boolean("GDPRSCAN_TRACING", &cfg.Telemetry.Tracing)
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseBool(val string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}

var validFormats = map[string]bool{"pdf": true, "md": true, "markdown": true, "html": true, "xlsx": true, "json": true}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks configuration validity
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, fmt.Sprintf(format, args...))
	}

	switch c.Browser.Engine {
	case EngineChromedp, EngineStatic:
	default:
		return invalid("invalid browser engine: %q (valid: chromedp, static)", c.Browser.Engine)
	}
	if c.Browser.NavigationTimeout <= 0 {
		return invalid("browser.navigation_timeout must be positive")
	}
	if c.Browser.Viewport.Width < 0 || c.Browser.Viewport.Height < 0 {
		return invalid("browser.viewport must not be negative")
	}

	if c.Scan.CheckTimeout <= 0 {
		return invalid("scan.check_timeout must be positive")
	}
	if c.Scan.Deadline < 0 {
		return invalid("scan.deadline must not be negative")
	}
	if c.Scan.MaxParallel < 0 {
		return invalid("scan.max_parallel must not be negative")
	}

	known := make(map[string]bool)
	for _, id := range checkers.IDs() {
		known[id] = true
	}
	for _, id := range c.Checks.Disabled {
		if !known[id] {
			return gserrors.New(gserrors.ErrCodeConfigInvalid, fmt.Sprintf("unknown check in checks.disabled: %q", id)).
				WithRemediation("Known checks: " + strings.Join(checkers.IDs(), ", "))
		}
	}
	banner := c.Checks.CookieBanner
	if banner.MaxWait < 0 || banner.InitialBackoff < 0 {
		return invalid("checks.cookie_banner waits must not be negative")
	}
	if banner.BackoffFactor != 0 && banner.BackoffFactor < 1 {
		return invalid("checks.cookie_banner.backoff_factor must be at least 1")
	}
	if c.Checks.PrivacyPolicy.MinTextLength < 0 || c.Checks.PrivacyPolicy.MinTopics < 0 {
		return invalid("checks.privacy_policy thresholds must not be negative")
	}
	if c.Checks.DataSubjectRights.MaxPolicyPages < 0 {
		return invalid("checks.data_subject_rights.max_policy_pages must not be negative")
	}

	if c.Fetch.MaxRedirects < 0 {
		return invalid("fetch.max_redirects must not be negative")
	}
	if c.Fetch.Timeout <= 0 {
		return invalid("fetch.timeout must be positive")
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return invalid("fetch.requests_per_second must not be negative")
	}

	if !validFormats[strings.ToLower(c.Report.Format)] {
		return invalid("invalid report format: %q (valid: pdf, md, html, xlsx, json)", c.Report.Format)
	}

	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Path) == "" {
		return invalid("storage.path is required when storage is enabled")
	}

	if strings.TrimSpace(c.Server.Bind) == "" {
		return invalid("server.bind is required")
	}
	if !c.Server.AllowRemote && !isLoopbackBindAddress(c.Server.Bind) {
		return gserrors.New(gserrors.ErrCodeConfigInvalid, fmt.Sprintf("server.bind %q is not a loopback address", c.Server.Bind)).
			WithRemediation("Set server.allow_remote: true to listen on other interfaces")
	}
	if c.Server.MaxConcurrentScans < 1 {
		return invalid("server.max_concurrent_scans must be at least 1")
	}

	if !validLevels[c.Logging.Level] {
		return invalid("invalid logging level: %q (valid: debug, info, warn, error)", c.Logging.Level)
	}
	return nil
}

// SessionConfig returns the browser session settings.
func (c *Config) SessionConfig() browser.SessionConfig {
	return browser.SessionConfig{
		Viewport:          c.Browser.Viewport,
		UserAgent:         c.Browser.UserAgent,
		Locale:            c.Browser.Locale,
		NavigationTimeout: c.Browser.NavigationTimeout,
	}.Normalize()
}

// defaultFetchOptions leaves the user agent empty so FetchOptions can fall
// back to the browser user agent.
func defaultFetchOptions() fetch.Options {
	opts := fetch.DefaultOptions()
	opts.UserAgent = ""
	return opts
}

// FetchOptions returns the fetcher settings, inheriting the browser user
// agent when fetch.user_agent is empty.
func (c *Config) FetchOptions() fetch.Options {
	opts := c.Fetch
	if opts.UserAgent == "" {
		opts.UserAgent = c.Browser.UserAgent
	}
	if opts.UserAgent == "" {
		opts.UserAgent = fetch.DefaultOptions().UserAgent
	}
	return opts
}

// StoragePath returns the history database path with ~ expanded.
func (c *Config) StoragePath() string {
	return ExpandHome(c.Storage.Path)
}

// LogDir returns the event log directory with ~ expanded.
func (c *Config) LogDir() string {
	return ExpandHome(c.Logging.Dir)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home := userHome(); home != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home := userHome(); home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return os.Getenv("HOME")
	}
	return home
}

// loadConfigEnvVars reads KEY=VALUE lines from ~/.gdprscan/config.env.
func loadConfigEnvVars() map[string]string {
	home := userHome()
	if home == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(home, DirName, "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}
