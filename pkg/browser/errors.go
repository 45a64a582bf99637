package browser

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnavailable      = errors.New("browser runtime unavailable")
	ErrSessionClosed    = errors.New("browser session closed")
	ErrNoDocument       = errors.New("no document loaded")
	ErrInvalidSelector  = errors.New("invalid selector")
	ErrSessionExists    = errors.New("session already exists")
	ErrNavigationFailed = errors.New("navigation failed")
)

// NavigationError reports a target that could not be loaded: unreachable
// host, timeout, or an HTTP error status on the main document.
type NavigationError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NavigationError) Error() string {
	switch {
	case e.StatusCode >= 400:
		return fmt.Sprintf("navigate %s: HTTP %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("navigate %s: failed", e.URL)
	}
}

func (e *NavigationError) Unwrap() error {
	if e.Err == nil {
		return ErrNavigationFailed
	}
	return e.Err
}

// Timeout reports whether the navigation ran out of time.
func (e *NavigationError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// IsNavigationError returns true if err carries a NavigationError.
func IsNavigationError(err error) bool {
	var navErr *NavigationError
	return errors.As(err, &navErr)
}
