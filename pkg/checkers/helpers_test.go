package checkers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/browser/adapters/static"
	"github.com/odvcencio/gdprscan/pkg/fetch"
	"github.com/odvcencio/gdprscan/pkg/signatures"
)

// fixtureSession serves a fixed document at a fixed URL.
type fixtureSession struct {
	url    string
	snap   *browser.Snapshot
	header http.Header
}

func newFixture(t *testing.T, pageURL, html string, header http.Header) *fixtureSession {
	t.Helper()
	snap, err := browser.ParseSnapshotString(html)
	require.NoError(t, err)
	return &fixtureSession{url: pageURL, snap: snap, header: header}
}

func (s *fixtureSession) ID() string { return "fixture" }

func (s *fixtureSession) Open(context.Context, string) error { return nil }

func (s *fixtureSession) CurrentURL() string { return s.url }

func (s *fixtureSession) Close() error { return nil }

func (s *fixtureSession) Find(_ context.Context, sel string) ([]browser.Node, error) {
	return s.snap.Find(sel)
}

func (s *fixtureSession) ResponseHeader(name string) (string, bool) {
	if s.header == nil {
		return "", false
	}
	return s.header.Get(name), true
}

// fakeFetcher answers Get from a table.
type fakeFetcher struct {
	pages map[string]*fetch.Page
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Get(_ context.Context, rawURL string) (*fetch.Page, error) {
	f.calls = append(f.calls, rawURL)
	if err, ok := f.errs[rawURL]; ok {
		return nil, err
	}
	if p, ok := f.pages[rawURL]; ok {
		return p, nil
	}
	return &fetch.Page{RequestURL: rawURL, FinalURL: rawURL, StatusCode: http.StatusNotFound}, nil
}

// serveSite starts an HTTP server with one handler per path and returns a
// static session opened on root.
func serveSite(t *testing.T, pages map[string]string, root string) (*httptest.Server, browser.Session) {
	t.Helper()
	mux := http.NewServeMux()
	for path, body := range pages {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != path {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(body))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rt := static.NewRuntime(static.Config{Client: srv.Client()})
	sess, err := rt.NewSession(context.Background(), browser.SessionConfig{SessionID: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	require.NoError(t, sess.Open(context.Background(), srv.URL+root))
	return srv, sess
}

func table(t *testing.T) *signatures.Table {
	t.Helper()
	return signatures.MustDefault()
}
