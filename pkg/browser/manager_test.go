package browser_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/odvcencio/gdprscan/pkg/browser"
	"github.com/odvcencio/gdprscan/pkg/browser/mocks"
	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

func TestManagerCreateSessionAssignsID(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)

	var got browser.SessionConfig
	rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg browser.SessionConfig) (browser.Session, error) {
			got = cfg
			return sess, nil
		})

	mgr := browser.NewManager(rt, nil)
	created, err := mgr.CreateSession(context.Background(), browser.SessionConfig{})
	require.NoError(t, err)

	assert.NotEmpty(t, got.SessionID)
	assert.Equal(t, got.SessionID, created.ID())
	assert.Equal(t, 1920, got.Viewport.Width)
	assert.Equal(t, 1, mgr.Active())

	found, ok := mgr.GetSession(got.SessionID)
	assert.True(t, ok)
	assert.Equal(t, created, found)
}

func TestManagerRejectsDuplicateSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(mocks.NewMockSession(ctrl), nil).Times(1)

	mgr := browser.NewManager(rt, nil)
	_, err := mgr.CreateSession(context.Background(), browser.SessionConfig{SessionID: "dup"})
	require.NoError(t, err)

	_, err = mgr.CreateSession(context.Background(), browser.SessionConfig{SessionID: "dup"})
	assert.ErrorIs(t, err, browser.ErrSessionExists)
}

func TestManagerWithSessionClosesOnError(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)
	rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Close().Return(nil).Times(1)

	mgr := browser.NewManager(rt, nil)
	boom := errors.New("boom")
	err := mgr.WithSession(context.Background(), browser.SessionConfig{}, func(browser.Session) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, mgr.Active())
}

func TestManagerWithSessionClosesOnPanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)
	rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Close().Return(nil).Times(1)

	mgr := browser.NewManager(rt, nil)
	assert.Panics(t, func() {
		_ = mgr.WithSession(context.Background(), browser.SessionConfig{}, func(browser.Session) error {
			panic("checker exploded")
		})
	})
	assert.Equal(t, 0, mgr.Active())
}

func TestManagerWithSessionSurfacesCloseError(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)
	rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	closeErr := errors.New("chrome hung")
	sess.EXPECT().Close().Return(closeErr)

	mgr := browser.NewManager(rt, nil)
	err := mgr.WithSession(context.Background(), browser.SessionConfig{}, func(browser.Session) error { return nil })
	assert.ErrorIs(t, err, closeErr)
}

func TestManagerRuntimeFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(nil, browser.ErrUnavailable)

	mgr := browser.NewManager(rt, nil)
	called := false
	err := mgr.WithSession(context.Background(), browser.SessionConfig{}, func(browser.Session) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, browser.ErrUnavailable)
	assert.False(t, called)
}

func TestManagerRecordsMetrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	sess := mocks.NewMockSession(ctrl)
	rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(sess, nil)
	sess.EXPECT().Open(gomock.Any(), "https://example.com").Return(nil)
	sess.EXPECT().Open(gomock.Any(), "https://down.example").Return(&browser.NavigationError{URL: "https://down.example", StatusCode: 503})
	sess.EXPECT().Find(gomock.Any(), "body").Return(nil, nil)
	sess.EXPECT().Close().Return(nil)

	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsub := hub.Subscribe()
	defer unsub()

	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(hub, "scan-1")
	mgr := browser.NewManager(rt, metrics)

	s, err := mgr.CreateSession(context.Background(), browser.SessionConfig{SessionID: "m1"})
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), "https://example.com"))
	require.Error(t, s.Open(context.Background(), "https://down.example"))
	_, _ = s.Find(context.Background(), "body")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.SessionsCreated)
	assert.Equal(t, int64(1), snap.SessionsClosed)
	assert.Equal(t, int64(0), snap.ActiveSessions)
	assert.Equal(t, int64(2), snap.NavigateCount)
	assert.Equal(t, int64(1), snap.NavigateFailed)
	assert.Equal(t, int64(1), snap.FindCount)

	var types []telemetry.EventType
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, "scan-1", ev.ScanID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []telemetry.EventType{
		telemetry.EventBrowserSessionCreated,
		telemetry.EventBrowserNavigate,
		telemetry.EventBrowserNavigateFailed,
		telemetry.EventBrowserSessionClosed,
	}, types)
}

func TestManagerCloseReleasesEverything(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	a := mocks.NewMockSession(ctrl)
	b := mocks.NewMockSession(ctrl)
	gomock.InOrder(
		rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(a, nil),
		rt.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(b, nil),
	)
	a.EXPECT().Close().Return(nil)
	b.EXPECT().Close().Return(nil)
	rt.EXPECT().Close().Return(nil)

	mgr := browser.NewManager(rt, nil)
	_, err := mgr.CreateSession(context.Background(), browser.SessionConfig{})
	require.NoError(t, err)
	_, err = mgr.CreateSession(context.Background(), browser.SessionConfig{})
	require.NoError(t, err)

	require.NoError(t, mgr.Close())
	assert.Equal(t, 0, mgr.Active())
	assert.ErrorIs(t, mgr.CloseSession("missing"), browser.ErrSessionClosed)
}

func TestNilManager(t *testing.T) {
	var mgr *browser.Manager
	_, err := mgr.CreateSession(context.Background(), browser.SessionConfig{})
	assert.ErrorIs(t, err, browser.ErrUnavailable)
	assert.NoError(t, mgr.Close())
	assert.Equal(t, 0, mgr.Active())
}

func TestResponseHeaderUnsupported(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, ok := browser.ResponseHeader(mocks.NewMockSession(ctrl), "Strict-Transport-Security")
	assert.False(t, ok)
}
