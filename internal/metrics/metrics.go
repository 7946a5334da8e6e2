// Package metrics provides Prometheus metrics for monitoring the worker.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal counts terminated jobs by outcome.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlworker_jobs_total",
			Help: "Total jobs by outcome",
		},
		[]string{"outcome"},
	)

	// JobDuration tracks job execution duration by outcome.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlworker_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
		[]string{"outcome"},
	)

	// JobsInFlight shows jobs currently executing.
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlworker_jobs_in_flight",
			Help: "Jobs currently executing",
		},
	)

	// PoolMaxSessions shows the configured session pool capacity.
	PoolMaxSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlworker_pool_max_sessions",
			Help: "Configured session pool capacity",
		},
	)

	// PoolIdleSessions shows idle sessions in the pool.
	PoolIdleSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlworker_pool_idle_sessions",
			Help: "Idle sessions in the pool",
		},
	)

	// PoolBusySessions shows sessions currently serving a job.
	PoolBusySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlworker_pool_busy_sessions",
			Help: "Sessions currently serving a job",
		},
	)

	// PoolDegradedSlots shows slots taken out of service by launch failures.
	PoolDegradedSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlworker_pool_degraded_slots",
			Help: "Session slots out of service after launch failures",
		},
	)

	// SessionsCreated counts browser launches.
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlworker_sessions_created_total",
			Help: "Total browser sessions launched",
		},
	)

	// SessionsRecycled counts sessions retired by use or age budget.
	SessionsRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlworker_sessions_recycled_total",
			Help: "Total sessions retired by use or age budget",
		},
	)

	// LaunchFailures counts failed browser launch attempts.
	LaunchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlworker_launch_failures_total",
			Help: "Total failed browser launch attempts",
		},
	)

	// BlockSignals counts block-page detections by category.
	BlockSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlworker_block_signals_total",
			Help: "Total block signals detected on rendered pages by category",
		},
		[]string{"category"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlworker_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlworker_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlworker_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlworker_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobDuration,
		JobsInFlight,
		PoolMaxSessions,
		PoolIdleSessions,
		PoolBusySessions,
		PoolDegradedSlots,
		SessionsCreated,
		SessionsRecycled,
		LaunchFailures,
		BlockSignals,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordJob records metrics for a terminated job.
func RecordJob(outcome string, duration time.Duration) {
	JobsTotal.WithLabelValues(outcome).Inc()
	JobDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordBlockSignal records a block-page detection.
func RecordBlockSignal(category string) {
	BlockSignals.WithLabelValues(category).Inc()
}

// UpdatePoolMetrics updates session pool gauges from a snapshot.
func UpdatePoolMetrics(maxSessions, idle, busy, degraded int) {
	PoolMaxSessions.Set(float64(maxSessions))
	PoolIdleSessions.Set(float64(idle))
	PoolBusySessions.Set(float64(busy))
	PoolDegradedSlots.Set(float64(degraded))
}

// UpdateInFlight updates the in-flight job gauge.
func UpdateInFlight(n int) {
	JobsInFlight.Set(float64(n))
}

// StartMemoryCollector starts a goroutine that periodically updates memory
// metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
