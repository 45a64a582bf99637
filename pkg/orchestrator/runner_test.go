package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/browser/adapters/static"
	"github.com/odvcencio/gdprscan/pkg/browser/mocks"
	"github.com/odvcencio/gdprscan/pkg/check"
	"github.com/odvcencio/gdprscan/pkg/checkers"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/fetch"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
	"github.com/odvcencio/gdprscan/pkg/signatures"
	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

type stubChecker struct {
	id    string
	fn    func(ctx context.Context, sess browser.Session) (check.Finding, error)
	calls atomic.Int32

	mu       sync.Mutex
	sessions []string
}

func newStub(id string, fn func(ctx context.Context, sess browser.Session) (check.Finding, error)) *stubChecker {
	if fn == nil {
		fn = func(context.Context, browser.Session) (check.Finding, error) {
			return check.Finding{Status: check.StatusPass, Details: "ok"}, nil
		}
	}
	return &stubChecker{id: id, fn: fn}
}

func (s *stubChecker) ID() string { return s.id }

func (s *stubChecker) Name() string { return "Stub " + s.id }

func (s *stubChecker) Check(ctx context.Context, sess browser.Session) (check.Finding, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.sessions = append(s.sessions, sess.ID())
	s.mu.Unlock()
	return s.fn(ctx, sess)
}

func asCheckers(stubs ...*stubChecker) []check.Checker {
	out := make([]check.Checker, len(stubs))
	for i, s := range stubs {
		out[i] = s
	}
	return out
}

func TestRun_OneResultPerChecker(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)

	runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil).Times(1)
	sess.EXPECT().Open(gomock.Any(), "https://example.com").Return(nil).Times(1)
	sess.EXPECT().Close().Return(nil).Times(1)

	stubs := []*stubChecker{
		newStub("a", nil),
		newStub("b", func(context.Context, browser.Session) (check.Finding, error) {
			return check.Finding{Status: check.StatusFail, Details: "missing"}, nil
		}),
		newStub("c", func(context.Context, browser.Session) (check.Finding, error) {
			return check.Finding{Status: check.StatusWarning}, nil
		}),
	}
	runner, err := orchestrator.New(runtime, asCheckers(stubs...), orchestrator.Options{Engine: "mock"})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, scan.Results.IDs())
	assert.Equal(t, runner.CheckIDs(), scan.Results.IDs())
	for _, s := range stubs {
		assert.EqualValues(t, 1, s.calls.Load())
	}
	assert.False(t, scan.Aborted)
	assert.NotEmpty(t, scan.ID)
	assert.Equal(t, "mock", scan.Engine)
	assert.Equal(t, 3, scan.Summary.Total)
	assert.Equal(t, 1, scan.Summary.Passed)
	assert.Equal(t, 1, scan.Summary.Failed)
	assert.Equal(t, 1, scan.Summary.Warnings)
	assert.False(t, scan.FinishedAt.Before(scan.StartedAt))

	c, ok := scan.Results.Get("c")
	require.True(t, ok)
	assert.Equal(t, "WARNING", c.Details, "empty details fall back to the status")
}

func TestRun_NavigationFailureYieldsSingleRow(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)

	navErr := &browser.NavigationError{URL: "https://down.example", Err: errors.New("connection refused")}
	runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Open(gomock.Any(), gomock.Any()).Return(navErr)
	sess.EXPECT().Close().Return(nil).Times(1)

	a, b := newStub("a", nil), newStub("b", nil)
	runner, err := orchestrator.New(runtime, asCheckers(a, b), orchestrator.Options{})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), "https://down.example")
	require.NoError(t, err)

	require.Equal(t, 1, scan.Results.Len())
	row, ok := scan.Results.Get(orchestrator.NavigationCheckID)
	require.True(t, ok)
	assert.Equal(t, check.StatusError, row.Status)
	assert.Equal(t, check.SeverityHigh, row.Severity)
	assert.Contains(t, row.Details, "could not load https://down.example")
	assert.Contains(t, row.Details, "connection refused")
	assert.Equal(t, string(gserrors.ErrCodeNavigation), row.Evidence["error_code"])

	assert.Zero(t, a.calls.Load())
	assert.Zero(t, b.calls.Load())
	assert.True(t, scan.Aborted)
	assert.Equal(t, row.Details, scan.Error)
	assert.Equal(t, 1, scan.Summary.Errors)
}

func TestRun_SessionCreationFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(nil, browser.ErrUnavailable)

	a := newStub("a", nil)
	runner, err := orchestrator.New(runtime, asCheckers(a), orchestrator.Options{})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []string{orchestrator.NavigationCheckID}, scan.Results.IDs())
	row, _ := scan.Results.Get(orchestrator.NavigationCheckID)
	assert.Equal(t, string(gserrors.ErrCodeBrowser), row.Evidence["error_code"])
	assert.Zero(t, a.calls.Load())
}

func TestRun_PanickingCheckerDoesNotStopSiblings(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)

	runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil)
	sess.EXPECT().Close().Return(nil).Times(1)

	boom := newStub("boom", func(context.Context, browser.Session) (check.Finding, error) {
		panic("nil map")
	})
	fails := newStub("fails", func(context.Context, browser.Session) (check.Finding, error) {
		return check.Finding{}, errors.New("selector engine exploded")
	})
	after := newStub("after", nil)

	runner, err := orchestrator.New(runtime, asCheckers(boom, fails, after), orchestrator.Options{})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, 3, scan.Results.Len())

	r, _ := scan.Results.Get("boom")
	assert.Equal(t, check.StatusError, r.Status)
	assert.Contains(t, r.Details, "panicked")

	r, _ = scan.Results.Get("fails")
	assert.Equal(t, check.StatusError, r.Status)
	assert.Equal(t, "selector engine exploded", r.Details)

	r, _ = scan.Results.Get("after")
	assert.Equal(t, check.StatusPass, r.Status)
	assert.EqualValues(t, 1, after.calls.Load())
}

func TestRun_DisabledCheckersAreSkipped(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)

	runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil)
	sess.EXPECT().Close().Return(nil)

	a, b := newStub("a", nil), newStub("b", nil)
	runner, err := orchestrator.New(runtime, asCheckers(a, b), orchestrator.Options{Disabled: []string{" b "}})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, scan.Results.IDs())
	r, _ := scan.Results.Get("b")
	assert.Equal(t, check.StatusSkipped, r.Status)
	assert.Equal(t, "disabled by configuration", r.Details)
	assert.Zero(t, b.calls.Load())
	assert.Equal(t, 1, scan.Summary.Skipped)
	assert.Equal(t, 100.0, scan.Summary.ComplianceScore)
}

func TestRun_DeadlineReportsRemainingChecksAsTimedOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)

	runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil)
	sess.EXPECT().Close().Return(nil)

	slow := newStub("slow", func(ctx context.Context, _ browser.Session) (check.Finding, error) {
		select {
		case <-ctx.Done():
			return check.Finding{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return check.Finding{Status: check.StatusPass}, nil
		}
	})
	never := newStub("never", nil)

	runner, err := orchestrator.New(runtime, asCheckers(slow, never), orchestrator.Options{Deadline: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	scan, err := runner.Run(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Equal(t, []string{"slow", "never"}, scan.Results.IDs())
	for _, id := range []string{"slow", "never"} {
		r, _ := scan.Results.Get(id)
		assert.Equal(t, check.StatusError, r.Status, id)
		assert.Equal(t, "timed out: scan deadline exceeded", r.Details, id)
		assert.Equal(t, string(gserrors.ErrCodeCheckTimeout), r.Evidence["error_code"], id)
	}
	assert.Zero(t, never.calls.Load())
}

func TestRun_CheckTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)

	runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil)
	sess.EXPECT().Close().Return(nil)

	stuck := newStub("stuck", func(ctx context.Context, _ browser.Session) (check.Finding, error) {
		<-ctx.Done()
		return check.Finding{}, ctx.Err()
	})
	next := newStub("next", nil)
	runner, err := orchestrator.New(runtime, asCheckers(stuck, next), orchestrator.Options{CheckTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), "https://example.com")
	require.NoError(t, err)

	r, _ := scan.Results.Get("stuck")
	assert.Equal(t, check.StatusError, r.Status)
	assert.Equal(t, "timed out after 20ms", r.Details)
	r, _ = scan.Results.Get("next")
	assert.Equal(t, check.StatusPass, r.Status)
}

func TestRun_InvalidURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)

	runner, err := orchestrator.New(runtime, asCheckers(newStub("a", nil)), orchestrator.Options{})
	require.NoError(t, err)

	for _, raw := range []string{"", "   ", "example.com", "/relative/path", "ftp://example.com", "http://", "http://%zz"} {
		scan, err := runner.Run(context.Background(), raw)
		assert.Nil(t, scan, raw)
		assert.True(t, gserrors.IsCode(err, gserrors.ErrCodeValidation), "%q: %v", raw, err)
	}
}

func TestValidateURL_Normalizes(t *testing.T) {
	got, err := orchestrator.ValidateURL("  HTTPS://Example.com/path?q=1 ")
	require.NoError(t, err)
	assert.Equal(t, "https://Example.com/path?q=1", got)
}

func TestNew_RejectsBadRegistrations(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)

	_, err := orchestrator.New(nil, nil, orchestrator.Options{})
	assert.True(t, gserrors.IsCode(err, gserrors.ErrCodeInvalidInput))

	_, err = orchestrator.New(runtime, asCheckers(newStub("a", nil), newStub("a", nil)), orchestrator.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, check.ErrDuplicateCheck)

	_, err = orchestrator.New(runtime, asCheckers(newStub(orchestrator.NavigationCheckID, nil)), orchestrator.Options{})
	assert.Error(t, err)

	_, err = orchestrator.New(runtime, asCheckers(newStub("", nil)), orchestrator.Options{})
	assert.Error(t, err)
}

func TestRun_PublishesEventsInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)

	runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil)
	sess.EXPECT().Close().Return(nil)

	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsub := hub.Subscribe()
	defer unsub()

	runner, err := orchestrator.New(runtime, asCheckers(newStub("a", nil)), orchestrator.Options{Hub: hub})
	require.NoError(t, err)
	scan, err := runner.Run(context.Background(), "https://example.com")
	require.NoError(t, err)

	var types []telemetry.EventType
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, scan.ID, ev.ScanID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []telemetry.EventType{
		telemetry.EventScanStarted,
		telemetry.EventBrowserSessionCreated,
		telemetry.EventBrowserNavigate,
		telemetry.EventCheckStarted,
		telemetry.EventCheckCompleted,
		telemetry.EventBrowserSessionClosed,
		telemetry.EventScanCompleted,
	}, types)
}

func TestRunParallel_IsolatedSessions(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p id="x">hello</p></body></html>`)
	}))
	defer srv.Close()

	var stubs []*stubChecker
	for _, id := range []string{"a", "b", "c"} {
		stubs = append(stubs, newStub(id, func(ctx context.Context, sess browser.Session) (check.Finding, error) {
			nodes, err := sess.Find(ctx, "#x")
			if err != nil {
				return check.Finding{}, err
			}
			if len(nodes) != 1 {
				return check.Finding{Status: check.StatusFail}, nil
			}
			return check.Finding{Status: check.StatusPass}, nil
		}))
	}
	runtime := static.NewRuntime(static.Config{})
	defer runtime.Close()

	runner, err := orchestrator.New(runtime, asCheckers(stubs...), orchestrator.Options{Parallel: true, MaxParallel: 2})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, scan.Results.IDs())
	assert.Equal(t, 3, scan.Summary.Passed)
	assert.EqualValues(t, 3, hits.Load(), "probe session is reused by the first checker")

	seen := map[string]bool{}
	for _, s := range stubs {
		require.Len(t, s.sessions, 1)
		seen[s.sessions[0]] = true
	}
	assert.Len(t, seen, 3, "every checker gets its own session")
}

func TestRunParallel_IsolatedNavigationFailureOnlyAffectsItsRow(t *testing.T) {
	ctrl := gomock.NewController(t)
	runtime := mocks.NewMockRuntime(ctrl)
	probe := mocks.NewMockSession(ctrl)
	second := mocks.NewMockSession(ctrl)

	gomock.InOrder(
		runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(probe, nil),
		runtime.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(second, nil),
	)
	probe.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil)
	probe.EXPECT().Close().Return(nil).Times(1)
	second.EXPECT().Open(gomock.Any(), gomock.Any()).Return(&browser.NavigationError{URL: "https://example.com", StatusCode: 503})
	second.EXPECT().Close().Return(nil).Times(1)

	a, b := newStub("a", nil), newStub("b", nil)
	runner, err := orchestrator.New(runtime, asCheckers(a, b), orchestrator.Options{Parallel: true, MaxParallel: 1})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, scan.Results.IDs())
	r, _ := scan.Results.Get("a")
	assert.Equal(t, check.StatusPass, r.Status)
	r, _ = scan.Results.Get("b")
	assert.Equal(t, check.StatusError, r.Status)
	assert.Contains(t, r.Details, "HTTP 503")
	assert.Equal(t, string(gserrors.ErrCodeNavigation), r.Evidence["error_code"])
	assert.Zero(t, b.calls.Load())
	assert.False(t, scan.Aborted)
}

func TestRunParallel_ProbeFailureYieldsSingleRow(t *testing.T) {
	runtime := static.NewRuntime(static.Config{})
	defer runtime.Close()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	a := newStub("a", nil)
	runner, err := orchestrator.New(runtime, asCheckers(a, newStub("b", nil)), orchestrator.Options{Parallel: true})
	require.NoError(t, err)

	scan, err := runner.Run(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{orchestrator.NavigationCheckID}, scan.Results.IDs())
	assert.Zero(t, a.calls.Load())
}

const fixtureHome = `<html><body>
<div id="cookie-banner"><p>We use cookies to improve your experience.</p>
<button>Accept all</button><button>Reject all</button></div>
<main><h1>Shop</h1></main>
<footer><a href="/privacy">Privacy Policy</a></footer>
</body></html>`

const fixturePolicy = `<html><body><h1>Privacy Policy</h1>
<p>Acme Ltd is the data controller for personal information processed through this website.</p>
<p>We keep order records for a retention period of six years after your last purchase.</p>
</body></html>`

func TestRun_BuiltInCheckersAreDeterministic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, fixtureHome)
	})
	mux.HandleFunc("/privacy", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, fixturePolicy)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	table, err := signatures.Default()
	require.NoError(t, err)
	opts := checkers.DefaultOptions()
	opts.SecureTransfer.ProbeHTTPRedirect = false
	fetcher := fetch.New(fetch.DefaultOptions())

	runtime := static.NewRuntime(static.Config{})
	defer runtime.Close()
	runner, err := orchestrator.New(runtime, checkers.Default(table, fetcher, opts), orchestrator.Options{})
	require.NoError(t, err)

	first, err := runner.Run(context.Background(), srv.URL)
	require.NoError(t, err)
	second, err := runner.Run(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, checkers.IDs(), first.Results.IDs())
	for _, id := range checkers.IDs() {
		a, _ := first.Results.Get(id)
		b, _ := second.Results.Get(id)
		assert.Equal(t, a.Status, b.Status, id)
	}
	banner, _ := first.Results.Get(checkers.CookieBannerID)
	assert.Equal(t, check.StatusPass, banner.Status, banner.Details)
	policy, _ := first.Results.Get(checkers.PrivacyPolicyID)
	assert.Equal(t, check.StatusPass, policy.Status, policy.Details)
	transfer, _ := first.Results.Get(checkers.SecureTransferID)
	assert.Equal(t, check.StatusFail, transfer.Status, "fixture is served over plain http")
}
