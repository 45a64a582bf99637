package browser

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Snapshot is a parsed copy of a rendered document. Adapters produce one per
// page state and answer Find from it.
type Snapshot struct {
	doc *goquery.Document
}

// ParseSnapshot parses HTML into a Snapshot.
func ParseSnapshot(r io.Reader) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Snapshot{doc: doc}, nil
}

// ParseSnapshotString is ParseSnapshot for an in-memory document.
func ParseSnapshotString(html string) (*Snapshot, error) {
	return ParseSnapshot(strings.NewReader(html))
}

// Find returns the nodes matching selector.
func (s *Snapshot) Find(selector string) ([]Node, error) {
	if s == nil || s.doc == nil {
		return nil, ErrNoDocument
	}
	matcher, err := CompileSelector(selector)
	if err != nil {
		return nil, err
	}
	return wrapSelection(s.doc.FindMatcher(matcher)), nil
}

// Title returns the document title.
func (s *Snapshot) Title() string {
	if s == nil || s.doc == nil {
		return ""
	}
	return strings.TrimSpace(s.doc.Find("title").First().Text())
}

// CompileSelector validates a CSS selector.
func CompileSelector(selector string) (cascadia.Selector, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSelector)
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSelector, selector, err)
	}
	return sel, nil
}

type domNode struct {
	sel *goquery.Selection
}

func wrapSelection(sel *goquery.Selection) []Node {
	nodes := make([]Node, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		nodes = append(nodes, domNode{sel: s})
	})
	return nodes
}

func (n domNode) Tag() string {
	return goquery.NodeName(n.sel)
}

func (n domNode) Text() string {
	return n.sel.Text()
}

func (n domNode) Attr(name string) (string, bool) {
	return n.sel.Attr(name)
}

// Find returns descendants matching selector; an invalid selector matches
// nothing.
func (n domNode) Find(selector string) []Node {
	matcher, err := CompileSelector(selector)
	if err != nil {
		return nil
	}
	return wrapSelection(n.sel.FindMatcher(matcher))
}
