package browser

import (
	"context"
	"strings"
)

//go:generate mockgen -package=mocks -destination=mocks/mock_browser.go github.com/odvcencio/gdprscan/pkg/browser Runtime,Session

// Runtime manages browser sessions.
type Runtime interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
	Close() error
}

// Session is the port implemented by browser runtime adapters. It is read-only
// on purpose: checkers share one loaded page and must not change its state.
type Session interface {
	ID() string
	// Open navigates to url and waits for the document to load. Failures are
	// reported as *NavigationError.
	Open(ctx context.Context, url string) error
	// Find returns the nodes matching a CSS selector. No matches is an empty
	// slice, not an error.
	Find(ctx context.Context, selector string) ([]Node, error)
	// CurrentURL is the URL of the loaded document after redirects.
	CurrentURL() string
	// Close releases the browser. Safe to call more than once.
	Close() error
}

// Node is a handle to one element of a DOM snapshot.
type Node interface {
	Tag() string
	Text() string
	Attr(name string) (string, bool)
	Find(selector string) []Node
}

// TextOf returns the node's text with runs of whitespace collapsed.
func TextOf(n Node) string {
	if n == nil {
		return ""
	}
	return strings.Join(strings.Fields(n.Text()), " ")
}

// HeaderSource is implemented by sessions that retain the main document's
// response headers. ok is false when headers were not captured.
type HeaderSource interface {
	ResponseHeader(name string) (value string, ok bool)
}

// ResponseHeader returns a main-document header when the session keeps them.
func ResponseHeader(s Session, name string) (string, bool) {
	hs, ok := s.(HeaderSource)
	if !ok {
		return "", false
	}
	return hs.ResponseHeader(name)
}
