// Package check defines the checker contract, the result model and the
// wrapper that turns one checker invocation into exactly one Result.
package check

import (
	"context"
	"time"

	"github.com/odvcencio/gdprscan/pkg/browser"
)

// Status is the outcome of a check.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusFail    Status = "FAIL"
	StatusWarning Status = "WARNING"
	StatusError   Status = "ERROR"
	StatusSkipped Status = "SKIPPED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPass, StatusFail, StatusWarning, StatusError, StatusSkipped:
		return true
	}
	return false
}

// Severity ranks how much a failing check matters.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
	SeverityInfo   Severity = "info"
)

// Finding is what a checker reports. Execute turns it into a Result.
type Finding struct {
	Status      Status
	Details     string
	Evidence    map[string]any
	Remediation string
}

// Checker inspects a loaded page. Implementations are stateless across calls
// and must treat the session as read-only.
type Checker interface {
	ID() string
	Name() string
	Check(ctx context.Context, sess browser.Session) (Finding, error)
}

// SeverityRater is implemented by checkers with a non-default severity.
type SeverityRater interface {
	Severity() Severity
}

// SeverityOf returns c's severity, medium when unspecified.
func SeverityOf(c Checker) Severity {
	if r, ok := c.(SeverityRater); ok && r.Severity() != "" {
		return r.Severity()
	}
	return SeverityMedium
}

// Result is the record of one checker invocation.
type Result struct {
	CheckID     string         `json:"check_id"`
	CheckName   string         `json:"check_name"`
	Status      Status         `json:"status"`
	Severity    Severity       `json:"severity"`
	Details     string         `json:"details"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Duration    time.Duration  `json:"duration_ns"`
}

// Clone returns a copy whose evidence shares no mutable state with r.
func (r Result) Clone() Result {
	r.Evidence = cloneEvidence(r.Evidence)
	return r
}

// NewSkipped builds the row for a checker disabled by configuration.
func NewSkipped(c Checker, reason string, at time.Time) Result {
	if reason == "" {
		reason = "disabled by configuration"
	}
	return Result{
		CheckID:   c.ID(),
		CheckName: c.Name(),
		Status:    StatusSkipped,
		Severity:  SeverityOf(c),
		Details:   reason,
		Timestamp: at,
	}
}

func cloneEvidence(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneEvidence(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = cloneEvidence(item)
		}
		return out
	default:
		return v
	}
}
