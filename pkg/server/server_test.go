package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gdprscan/pkg/check"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
	"github.com/odvcencio/gdprscan/pkg/report"
	"github.com/odvcencio/gdprscan/pkg/storage"
	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

type fakeScanner struct {
	mu    sync.Mutex
	calls int
	err   error
	panic bool
	block chan struct{}
}

func (f *fakeScanner) Run(ctx context.Context, rawURL string) (*orchestrator.Scan, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.panic {
		panic("scanner exploded")
	}
	if f.err != nil {
		return nil, f.err
	}

	started := time.Date(2026, 4, 2, 10, 0, n, 0, time.UTC)
	set := check.NewResultSet()
	_ = set.Add(check.Result{
		CheckID: "cookie_banner_check", CheckName: "Cookie consent banner", Status: check.StatusPass,
		Severity: check.SeverityHigh, Details: "banner offers accept and reject", Timestamp: started,
	})
	_ = set.Add(check.Result{
		CheckID: "privacy_policy_check", CheckName: "Privacy policy", Status: check.StatusFail,
		Severity: check.SeverityHigh, Details: "no privacy policy link found", Timestamp: started,
	})
	return &orchestrator.Scan{
		ID:         fmt.Sprintf("scan-%d", n),
		URL:        rawURL,
		Engine:     "static",
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Summary:    set.Summary(),
		Results:    set,
	}, nil
}

func (f *fakeScanner) CheckIDs() []string {
	return []string{"cookie_banner_check", "privacy_policy_check"}
}

func (f *fakeScanner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(t *testing.T, scanner Scanner, withStore bool, hub *telemetry.Hub) *Server {
	t.Helper()
	var store Store
	if withStore {
		st, err := storage.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		store = st
	}
	srv, err := New(Config{MaxConcurrentScans: 1, ReportFormat: report.FormatMarkdown, Version: "test"}, scanner, store, nil, nil, hub)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func TestNew_RequiresScanner(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil)
	assert.True(t, gserrors.IsCode(err, gserrors.ErrCodeInvalidInput))
}

func TestScanLifecycle(t *testing.T) {
	scanner := &fakeScanner{}
	h := newTestServer(t, scanner, true, nil).Handler()

	rr := do(t, h, http.MethodPost, "/api/scans", `{"url":"  HTTPS://shop.example/ "}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "/api/scans/scan-1", rr.Header().Get("Location"))
	assert.Equal(t, "true", rr.Header().Get("X-Scan-Stored"))

	var created map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "scan-1", created["id"])
	assert.Equal(t, "https://shop.example/", created["url"], "url is trimmed and normalized before scanning")

	rr = do(t, h, http.MethodGet, "/api/scans/scan-1", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	results, ok := got["results"].(map[string]any)
	require.True(t, ok, "results serialize as an id keyed object")
	assert.Len(t, results, 2)

	rr = do(t, h, http.MethodGet, "/api/scans?url=shop.example&limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Scans []storage.ScanRecord `json:"scans"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Scans, 1)
	assert.Equal(t, 50.0, list.Scans[0].Summary.ComplianceScore)

	rr = do(t, h, http.MethodGet, "/api/scans/scan-1/report", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, report.FormatMarkdown.ContentType(), rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "gdpr-report-shop.example-")
	assert.Contains(t, rr.Body.String(), "privacy_policy_check")

	rr = do(t, h, http.MethodGet, "/api/scans/scan-1/report?format=json", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, json.Valid(rr.Body.Bytes()))

	rr = do(t, h, http.MethodDelete, "/api/scans/scan-1", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/scans/scan-1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, string(gserrors.ErrCodeStorageNotFound), decodeError(t, rr).Code)
}

func TestCreateScan_RejectsBadInput(t *testing.T) {
	scanner := &fakeScanner{}
	h := newTestServer(t, scanner, true, nil).Handler()

	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty body", "", string(gserrors.ErrCodeInvalidInput)},
		{"malformed", `{"url":`, string(gserrors.ErrCodeInvalidInput)},
		{"unknown field", `{"url":"https://a.example","depth":3}`, string(gserrors.ErrCodeInvalidInput)},
		{"relative url", `{"url":"/cart"}`, string(gserrors.ErrCodeValidation)},
		{"ftp url", `{"url":"ftp://a.example"}`, string(gserrors.ErrCodeValidation)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/scans", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rr).Code)
		})
	}
	assert.Zero(t, scanner.Calls(), "invalid requests never reach the scanner")
}

func TestCreateScan_ScannerErrorMapsStatus(t *testing.T) {
	scanner := &fakeScanner{err: gserrors.New(gserrors.ErrCodeBrowser, "chrome not found")}
	h := newTestServer(t, scanner, true, nil).Handler()

	rr := do(t, h, http.MethodPost, "/api/scans", `{"url":"https://a.example"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, string(gserrors.ErrCodeBrowser), resp.Code)
	assert.NotEmpty(t, resp.Remediation)
}

func TestCreateScan_LimitsConcurrency(t *testing.T) {
	scanner := &fakeScanner{block: make(chan struct{})}
	h := newTestServer(t, scanner, false, nil).Handler()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(t, h, http.MethodPost, "/api/scans", `{"url":"https://a.example"}`)
	}()
	require.Eventually(t, func() bool { return scanner.Calls() == 1 }, time.Second, 5*time.Millisecond)

	rr := do(t, h, http.MethodPost, "/api/scans", `{"url":"https://b.example"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))

	close(scanner.block)
	first := <-done
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, "false", first.Header().Get("X-Scan-Stored"))
}

func TestHistoryDisabled(t *testing.T) {
	h := newTestServer(t, &fakeScanner{}, false, nil).Handler()

	for _, target := range []string{"/api/scans", "/api/scans/x", "/api/scans/x/report"} {
		rr := do(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, target)
	}
}

func TestScanReport_UnknownFormat(t *testing.T) {
	h := newTestServer(t, &fakeScanner{}, true, nil).Handler()
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/scans", `{"url":"https://a.example"}`).Code)

	rr := do(t, h, http.MethodGet, "/api/scans/scan-1/report?format=docx", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(gserrors.ErrCodeReportFormat), decodeError(t, rr).Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newTestServer(t, &fakeScanner{}, true, nil).Handler()

	rr := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["history"])
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `gdprscan_http_requests_total{code="200",method="GET",route="/healthz"}`)
}

func TestListChecks(t *testing.T) {
	h := newTestServer(t, &fakeScanner{}, false, nil).Handler()
	rr := do(t, h, http.MethodGet, "/api/checks", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"checks":["cookie_banner_check","privacy_policy_check"]}`, rr.Body.String())
}

func TestPanicIsRecovered(t *testing.T) {
	h := newTestServer(t, &fakeScanner{panic: true}, false, nil).Handler()
	rr := do(t, h, http.MethodPost, "/api/scans", `{"url":"https://a.example"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, string(gserrors.ErrCodeInternal), decodeError(t, rr).Code)
}

func TestUnknownRoute(t *testing.T) {
	h := newTestServer(t, &fakeScanner{}, false, nil).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPut, "/api/scans/x", "").Code)
}

func TestEventStream(t *testing.T) {
	hub := telemetry.NewHub()
	defer hub.Close()
	ts := httptest.NewServer(newTestServer(t, &fakeScanner{}, false, hub).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?scan_id=wanted", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish(telemetry.Event{Type: telemetry.EventCheckStarted, ScanID: "other"})
				hub.Publish(telemetry.Event{Type: telemetry.EventScanStarted, ScanID: "wanted"})
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: scan.started\n", line, "events of other scans are filtered")
			data, err := reader.ReadString('\n')
			require.NoError(t, err)
			assert.Contains(t, data, `"scanId":"wanted"`)
			return
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[gserrors.ErrorCode]int{
		gserrors.ErrCodeValidation:      http.StatusBadRequest,
		gserrors.ErrCodeReportFormat:    http.StatusBadRequest,
		gserrors.ErrCodeStorageNotFound: http.StatusNotFound,
		gserrors.ErrCodeNavigation:      http.StatusBadGateway,
		gserrors.ErrCodeCheckTimeout:    http.StatusGatewayTimeout,
		gserrors.ErrCodeStorageWrite:    http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(gserrors.New(code, "x")), code)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}
