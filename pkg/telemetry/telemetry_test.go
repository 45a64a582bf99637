package telemetry

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	require.NotNil(t, hub)
	assert.NotNil(t, hub.subscribers)
	assert.False(t, hub.closed)
}

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.Publish(Event{
		Type:    EventCheckStarted,
		ScanID:  "scan-1",
		CheckID: "cookie_banner_check",
	})

	select {
	case received := <-ch:
		assert.Equal(t, EventCheckStarted, received.Type)
		assert.Equal(t, "scan-1", received.ScanID)
		assert.False(t, received.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_PresetTimestampKept(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ch, unsub := hub.Subscribe()
	defer unsub()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hub.Publish(Event{Type: EventScanStarted, Timestamp: ts})

	received := <-ch
	assert.Equal(t, ts, received.Timestamp)
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ch, unsub := hub.Subscribe()
	defer unsub()

	for i := 0; i < 500; i++ {
		hub.Publish(Event{Type: EventBrowserNavigate, Data: map[string]any{"i": i}})
	}

	assert.Equal(t, 64, len(ch), "subscriber buffer should cap delivered events")
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.NotPanics(t, unsub)
}

func TestHub_CloseAndPublish(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe()

	hub.Close()
	_, ok := <-ch
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		hub.Publish(Event{Type: EventScanCompleted})
		hub.Close()
	})

	late, _ := hub.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after close should yield a closed channel")
}

func TestHub_NilSafe(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() {
		hub.Publish(Event{Type: EventScanStarted})
		hub.Close()
	})
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	_, unsub := hub.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(Event{Type: EventCheckCompleted})
			}
		}()
	}
	wg.Wait()
}

func TestTracerProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("gdprscan-test", "test", &buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "scan", AttrScanURL.String("https://example.com"))
	RecordError(ctx, assert.AnError)
	RecordError(ctx, nil)
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name": "scan"`)
	assert.Contains(t, buf.String(), "https://example.com")
}

func TestTracerProviderNilShutdown(t *testing.T) {
	var tp *TracerProvider
	assert.NoError(t, tp.Shutdown(context.Background()))
}
