package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/odvcencio/gdprscan/pkg/check"
)

var (
	metricScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gdprscan",
		Name:      "scans_total",
		Help:      "Number of scan passes by outcome (completed, aborted).",
	}, []string{"outcome"})
	metricScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gdprscan",
		Name:      "scan_duration_seconds",
		Help:      "Wall-clock duration of a scan pass.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	metricChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gdprscan",
		Name:      "checks_total",
		Help:      "Number of checker results by check and status.",
	}, []string{"check_id", "status"})
	metricCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gdprscan",
		Name:      "check_duration_seconds",
		Help:      "Duration of a single checker invocation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"check_id"})
)

const (
	outcomeCompleted = "completed"
	outcomeAborted   = "aborted"
)

func recordScan(outcome string, d time.Duration) {
	metricScans.WithLabelValues(outcome).Inc()
	metricScanDuration.Observe(d.Seconds())
}

func recordCheck(r check.Result) {
	metricChecks.WithLabelValues(r.CheckID, string(r.Status)).Inc()
	if r.Status != check.StatusSkipped {
		metricCheckDuration.WithLabelValues(r.CheckID).Observe(r.Duration.Seconds())
	}
}
