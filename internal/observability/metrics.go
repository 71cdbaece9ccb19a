// Package observability bundles the service's metrics, tracing, and
// health surfaces. Metrics are package-level so pipeline code can record
// without threading a registry through every constructor.
package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

var (
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voxbridge_active_sessions",
			Help: "Live sessions by transport kind",
		},
		[]string{"transport"},
	)

	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxbridge_turns_total",
			Help: "Finished turns by terminal reason",
		},
		[]string{"reason"},
	)

	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxbridge_turn_duration_seconds",
			Help:    "End-to-end turn duration",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
	)

	bargeInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxbridge_barge_ins_total",
			Help: "Barge-in triggers by transport kind",
		},
		[]string{"transport"},
	)

	droppedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxbridge_dropped_frames_total",
			Help: "Audio frames dropped by pipeline stage",
		},
		[]string{"stage"},
	)

	poolLeases = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voxbridge_pool_leases",
			Help: "Outstanding upstream connection leases per pool",
		},
		[]string{"pool"},
	)

	turnStageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxbridge_turn_stage_latency_seconds",
			Help:    "Time from turn start to named pipeline milestones",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
		[]string{"stage"},
	)

	outboundCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxbridge_outbound_calls_total",
			Help: "Outbound call placements by result",
		},
		[]string{"result"},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxbridge_goroutines",
			Help: "Number of goroutines",
		},
	)

	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxbridge_memory_usage_bytes",
			Help: "Heap bytes in use",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			activeSessions,
			turnsTotal,
			turnDuration,
			bargeInsTotal,
			droppedFramesTotal,
			turnStageLatency,
			poolLeases,
			outboundCallsTotal,
			goroutines,
			memoryUsage,
		)
	})
}

// MetricsHandler serves the Prometheus exposition endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// SessionStarted records a session opening on the given transport.
func SessionStarted(transport string) {
	activeSessions.WithLabelValues(transport).Inc()
}

// SessionEnded records a session closing.
func SessionEnded(transport string) {
	activeSessions.WithLabelValues(transport).Dec()
}

// TurnEnded records one finished turn.
func TurnEnded(reason string, duration time.Duration) {
	turnsTotal.WithLabelValues(reason).Inc()
	turnDuration.Observe(duration.Seconds())
}

// BargeIn records a caller interrupting the agent.
func BargeIn(transport string) {
	bargeInsTotal.WithLabelValues(transport).Inc()
}

// FrameDropped records an audio frame discarded at the named stage.
func FrameDropped(stage string) {
	droppedFramesTotal.WithLabelValues(stage).Inc()
}

// TurnStage records the delay from turn start to a pipeline milestone
// such as "first_token" or "first_audio".
func TurnStage(stage string, sinceStart time.Duration) {
	turnStageLatency.WithLabelValues(stage).Observe(sinceStart.Seconds())
}

// PoolLease adjusts the outstanding-lease gauge; delta is +1 on acquire
// and -1 on release. The signature matches pool.Limiter's OnLease hook.
func PoolLease(pool string, delta int) {
	poolLeases.WithLabelValues(pool).Add(float64(delta))
}

// OutboundCall records an outbound call placement attempt.
func OutboundCall(result string) {
	outboundCallsTotal.WithLabelValues(result).Inc()
}

// StartSystemSampler refreshes the runtime gauges on a schedule. The
// returned stop func flushes the cron and blocks until it drains.
func StartSystemSampler() (stop func()) {
	sample := func() {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		goroutines.Set(float64(runtime.NumGoroutine()))
		memoryUsage.Set(float64(m.HeapInuse))
	}
	sample()

	c := cron.New()
	_, _ = c.AddFunc("@every 15s", sample)
	c.Start()
	return func() {
		ctx := c.Stop()
		<-ctx.Done()
	}
}
