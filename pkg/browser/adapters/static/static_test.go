package static

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gdprscan/pkg/browser"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000")
		_, _ = w.Write([]byte(`<html><head><title>Home</title></head><body>
<div id="cookie-banner"><p>We use   cookies.</p><button>Accept</button><button>Reject</button></div>
<footer><a href="/privacy">Privacy Policy</a></footer></body></html>`))
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/missing", http.NotFound)
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openSession(t *testing.T, cfg browser.SessionConfig) browser.Session {
	t.Helper()
	rt := NewRuntime(Config{})
	sess, err := rt.NewSession(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestOpenAndFind(t *testing.T) {
	srv := newSite(t)
	sess := openSession(t, browser.SessionConfig{SessionID: "s1"})

	require.NoError(t, sess.Open(context.Background(), srv.URL+"/old"))
	assert.Equal(t, srv.URL+"/", sess.CurrentURL())
	assert.Equal(t, "s1", sess.ID())

	buttons, err := sess.Find(context.Background(), "#cookie-banner button")
	require.NoError(t, err)
	require.Len(t, buttons, 2)
	assert.Equal(t, "Reject", browser.TextOf(buttons[1]))

	banner, err := sess.Find(context.Background(), "#cookie-banner")
	require.NoError(t, err)
	require.Len(t, banner, 1)
	assert.Equal(t, "We use cookies.AcceptReject", browser.TextOf(banner[0]))
	assert.Len(t, banner[0].Find("p"), 1)

	none, err := sess.Find(context.Background(), ".does-not-exist")
	require.NoError(t, err)
	assert.Empty(t, none)

	hsts, ok := browser.ResponseHeader(sess, "Strict-Transport-Security")
	assert.True(t, ok)
	assert.Equal(t, "max-age=31536000", hsts)
}

func TestOpenHTTPErrorIsNavigationError(t *testing.T) {
	srv := newSite(t)
	sess := openSession(t, browser.SessionConfig{})

	err := sess.Open(context.Background(), srv.URL+"/missing")
	var navErr *browser.NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, http.StatusNotFound, navErr.StatusCode)
	assert.ErrorIs(t, err, browser.ErrNavigationFailed)
}

func TestOpenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sess := openSession(t, browser.SessionConfig{})
	err := sess.Open(context.Background(), url)
	assert.True(t, browser.IsNavigationError(err))
}

func TestOpenTimeout(t *testing.T) {
	srv := newSite(t)
	sess := openSession(t, browser.SessionConfig{NavigationTimeout: 50 * time.Millisecond})

	err := sess.Open(context.Background(), srv.URL+"/slow")
	var navErr *browser.NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.True(t, navErr.Timeout())
}

func TestFindBeforeOpen(t *testing.T) {
	sess := openSession(t, browser.SessionConfig{})
	_, err := sess.Find(context.Background(), "body")
	assert.ErrorIs(t, err, browser.ErrNoDocument)
}

func TestInvalidSelector(t *testing.T) {
	srv := newSite(t)
	sess := openSession(t, browser.SessionConfig{})
	require.NoError(t, sess.Open(context.Background(), srv.URL))

	_, err := sess.Find(context.Background(), "div[")
	assert.ErrorIs(t, err, browser.ErrInvalidSelector)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newSite(t)
	sess := openSession(t, browser.SessionConfig{})
	require.NoError(t, sess.Open(context.Background(), srv.URL))

	assert.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())

	_, err := sess.Find(context.Background(), "body")
	assert.True(t, errors.Is(err, browser.ErrSessionClosed))
	assert.ErrorIs(t, sess.Open(context.Background(), srv.URL), browser.ErrSessionClosed)
}

func TestClosedRuntimeRefusesSessions(t *testing.T) {
	rt := NewRuntime(Config{})
	require.NoError(t, rt.Close())
	_, err := rt.NewSession(context.Background(), browser.SessionConfig{})
	assert.ErrorIs(t, err, browser.ErrUnavailable)
}
