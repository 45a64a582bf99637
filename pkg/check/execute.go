package check

import (
	"context"
	"strconv"
	"time"

	"github.com/odvcencio/gdprscan/pkg/browser"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
)

// Options configures Execute.
type Options struct {
	// Timeout bounds one checker. Zero leaves only the parent context.
	Timeout time.Duration
	// Middlewares run inside the timeout and panic guards.
	Middlewares []Middleware
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Execute runs c against sess and always returns exactly one Result. Returned
// errors, panics and timeouts become StatusError with a non-empty Details.
func Execute(ctx context.Context, c Checker, sess browser.Session, opts Options) Result {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	start := now()

	chain := append([]Middleware{Timeout(opts.Timeout), PanicRecovery()}, opts.Middlewares...)
	exec := Chain(chain...)(invoke)

	ectx := &ExecutionContext{
		Context:   ctx,
		Checker:   c,
		Session:   sess,
		StartTime: start,
	}
	finding, err := exec(ectx)

	result := Result{
		CheckID:   c.ID(),
		CheckName: c.Name(),
		Severity:  SeverityOf(c),
		Timestamp: start,
	}
	switch {
	case err != nil:
		result.Status = StatusError
		result.Details = describe(err)
		result.Evidence = map[string]any{"error_code": string(errorCode(err))}
	case !finding.Status.Valid() || finding.Status == StatusSkipped:
		result.Status = StatusError
		result.Details = "checker returned invalid status " + strconv.Quote(string(finding.Status))
		result.Evidence = map[string]any{"error_code": string(gserrors.ErrCodeCheckExecution)}
	default:
		result.Status = finding.Status
		result.Details = finding.Details
		result.Evidence = cloneEvidence(finding.Evidence)
		result.Remediation = finding.Remediation
	}
	if result.Details == "" {
		result.Details = string(result.Status)
	}
	result.Duration = now().Sub(start)
	return result
}

// NewError builds an ERROR row without invoking a checker, as used for a
// failed navigation or a pass cut short by the scan deadline.
func NewError(checkID, checkName string, severity Severity, err error, at time.Time) Result {
	if severity == "" {
		severity = SeverityHigh
	}
	return Result{
		CheckID:   checkID,
		CheckName: checkName,
		Status:    StatusError,
		Severity:  severity,
		Details:   describe(err),
		Evidence:  map[string]any{"error_code": string(errorCode(err))},
		Timestamp: at,
	}
}

func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	if ge, ok := gserrors.As(err); ok {
		if d := ge.Describe(); d != "" {
			return d
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown error"
}

func errorCode(err error) gserrors.ErrorCode {
	if ge, ok := gserrors.As(err); ok {
		return ge.Code
	}
	return gserrors.ErrCodeCheckExecution
}
