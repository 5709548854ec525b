package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	lockWaitDuration  *prometheus.HistogramVec
	lockTimeoutsTotal *prometheus.CounterVec
	staleLocksBroken  prometheus.Counter

	activeSessions prometheus.Gauge
	prunedSessions prometheus.Counter

	cacheItems          prometheus.Gauge
	cacheReloadDuration prometheus.Histogram
	cacheReloadTotal    *prometheus.CounterVec
	recallTotal         *prometheus.CounterVec

	assignmentConflicts prometheus.Counter
	assignmentsTotal    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			lockWaitDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lock_wait_duration_seconds",
					Help:    "Time spent waiting to acquire a named lock.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"resource"},
			),
			lockTimeoutsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lock_timeouts_total",
					Help: "Total lock acquisition timeouts by resource.",
				},
				[]string{"resource"},
			),
			staleLocksBroken: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stale_locks_broken_total",
					Help: "Total stale lock records broken by contenders.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current registered session count.",
				},
			),
			prunedSessions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "pruned_sessions_total",
					Help: "Total registry entries removed by pruning.",
				},
			),
			cacheItems: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "cache_items",
					Help: "Scar count in the in-memory snapshot.",
				},
			),
			cacheReloadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "cache_reload_duration_seconds",
					Help:    "Snapshot load/reload duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			cacheReloadTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_reload_total",
					Help: "Total snapshot loads by status.",
				},
				[]string{"status"},
			),
			recallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recall_total",
					Help: "Total recall requests by tier (cache or remote fallback).",
				},
				[]string{"tier"},
			),
			assignmentConflicts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "assignment_conflicts_total",
					Help: "Total first-insert races resolved by reread.",
				},
			),
			assignmentsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "assignments_total",
					Help: "Total variant assignments by outcome.",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.lockWaitDuration,
			m.lockTimeoutsTotal,
			m.staleLocksBroken,
			m.activeSessions,
			m.prunedSessions,
			m.cacheItems,
			m.cacheReloadDuration,
			m.cacheReloadTotal,
			m.recallTotal,
			m.assignmentConflicts,
			m.assignmentsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLockWait(resource string, duration time.Duration) {
	getMetrics().lockWaitDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

func RecordLockTimeout(resource string) {
	getMetrics().lockTimeoutsTotal.WithLabelValues(resource).Inc()
}

func RecordStaleLockBroken() {
	getMetrics().staleLocksBroken.Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordPrunedSessions(count int) {
	getMetrics().prunedSessions.Add(float64(count))
}

func SetCacheItems(count int) {
	getMetrics().cacheItems.Set(float64(count))
}

func RecordCacheReload(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.cacheReloadDuration.Observe(duration.Seconds())
	m.cacheReloadTotal.WithLabelValues(status).Inc()
}

func RecordRecall(tier string) {
	getMetrics().recallTotal.WithLabelValues(tier).Inc()
}

func RecordAssignmentConflict() {
	getMetrics().assignmentConflicts.Inc()
}

func RecordAssignment(outcome string) {
	getMetrics().assignmentsTotal.WithLabelValues(outcome).Inc()
}
