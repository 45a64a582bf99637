package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch Level(raw) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(raw)
	default:
		return LevelInfo
	}
}

// Category represents the subsystem generating the log
type Category string

const (
	CategoryScan    Category = "scan"
	CategoryBrowser Category = "browser"
	CategoryCheck   Category = "check"
	CategoryReport  Category = "report"
	CategoryStorage Category = "storage"
	CategoryServer  Category = "server"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Category  Category          `json:"category"`
	EventType string            `json:"type"`
	ScanID    string            `json:"scan_id,omitempty"`
	CheckID   string            `json:"check_id,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Logger writes structured events to multiple destinations
type Logger struct {
	scanID   string
	baseDir  string
	out      io.Writer
	errOut   io.Writer
	closers  []io.Closer
	mu       sync.Mutex
	minLevel Level
	// route writes each event to the scan log named by its ScanID.
	route bool
}

// NewLogger creates a logger writing <baseDir>/scans/<scanID>.jsonl and
// appending error events to <baseDir>/errors.jsonl.
func NewLogger(baseDir, scanID string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	scansDir := filepath.Join(baseDir, "scans")
	if err := os.MkdirAll(scansDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scans directory: %w", err)
	}

	scanFile, err := os.OpenFile(
		ScanLogPath(baseDir, scanID),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		scanFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Logger{
		scanID:   scanID,
		baseDir:  baseDir,
		out:      scanFile,
		errOut:   errorFile,
		closers:  []io.Closer{scanFile, errorFile},
		minLevel: LevelInfo,
	}, nil
}

// NewDirLogger creates a logger for processes that run many scans. Each
// event is appended to <baseDir>/scans/<ScanID>.jsonl, events without a scan
// to <baseDir>/gdprscan.jsonl, and errors also to <baseDir>/errors.jsonl.
// A non-nil mirror receives every event as well.
func NewDirLogger(baseDir string, mirror io.Writer) (*Logger, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "scans"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create scans directory: %w", err)
	}
	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	return &Logger{
		baseDir:  baseDir,
		out:      mirror,
		errOut:   errorFile,
		closers:  []io.Closer{errorFile},
		minLevel: LevelInfo,
		route:    true,
	}, nil
}

// NewWriterLogger writes every event as one JSON line to w.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: w, minLevel: LevelInfo}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{minLevel: LevelError}
}

// ScanLogPath returns the JSONL path used for a scan's events.
func ScanLogPath(baseDir, scanID string) string {
	return filepath.Join(baseDir, "scans", scanID+".jsonl")
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetScanID sets the scan ID stamped on subsequent events
func (l *Logger) SetScanID(scanID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scanID = scanID
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ScanID == "" {
		event.ScanID = l.scanID
	}

	if !l.shouldLog(event.Level) {
		return nil
	}
	if l.out == nil && l.errOut == nil && !l.route {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.route {
		if err := l.appendRouted(event.ScanID, data); err != nil {
			return err
		}
	}

	if l.out != nil {
		if _, err := l.out.Write(data); err != nil {
			return fmt.Errorf("failed to write to scan log: %w", err)
		}
	}

	if event.Level == LevelError && l.errOut != nil {
		if _, err := l.errOut.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}

	return nil
}

func (l *Logger) appendRouted(scanID string, data []byte) error {
	path := filepath.Join(l.baseDir, "gdprscan.jsonl")
	if scanID != "" && filepath.Base(scanID) == scanID && scanID != "." && scanID != ".." {
		path = ScanLogPath(l.baseDir, scanID)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open scan log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write to scan log: %w", err)
	}
	return f.Close()
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// shouldLog checks if event should be logged based on level
func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelDebug,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelError,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	l.out = nil
	l.errOut = nil
	l.route = false

	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadRecentEvents reads the last N events from a scan log
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var events []Event
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		events = append(events, event)
	}

	if count > 0 && len(events) > count {
		events = events[len(events)-count:]
	}
	return events, nil
}
