// Package metrics provides Prometheus instrumentation for the platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bidlane",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DisputesFiledTotal counts disputes filed by transaction kind.
	DisputesFiledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "disputes_filed_total",
			Help:      "Total disputes filed by transaction kind.",
		},
		[]string{"kind"},
	)

	// VotesTotal counts accepted votes by choice.
	VotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "dispute_votes_total",
			Help:      "Total accepted judge votes by choice.",
		},
		[]string{"choice"},
	)

	// VerdictsTotal counts computed verdicts by outcome.
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "dispute_verdicts_total",
			Help:      "Total quorum verdicts by outcome.",
		},
		[]string{"verdict"},
	)

	// VoteRejectionsTotal counts rejected vote submissions by reason.
	VoteRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "dispute_vote_rejections_total",
			Help:      "Total rejected vote submissions by reason.",
		},
		[]string{"reason"},
	)

	// ReleasesTotal counts fund-release outcomes by result.
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "escrow_releases_total",
			Help:      "Total fund-release attempts by result (released, already_released, blocked).",
		},
		[]string{"result"},
	)

	// ReleaseBlockedTotal counts blocked releases by reason.
	ReleaseBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "escrow_release_blocked_total",
			Help:      "Total blocked releases by reason.",
		},
		[]string{"reason"},
	)

	// HealthFlagsTotal counts health sweep flags by issue.
	HealthFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "escrow_health_flags_total",
			Help:      "Total health sweep flags raised by issue.",
		},
		[]string{"issue"},
	)

	// SweepDuration observes health sweep latency.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bidlane",
		Name:      "escrow_sweep_duration_seconds",
		Help:      "Health sweep duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// ReputationOutcomesTotal counts applied reputation outcomes by action.
	ReputationOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "reputation_outcomes_total",
			Help:      "Total reputation outcomes applied by action.",
		},
		[]string{"action"},
	)

	// BadgesGrantedTotal counts badge grants by badge key.
	BadgesGrantedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "reputation_badges_granted_total",
			Help:      "Total badges newly granted by badge key.",
		},
		[]string{"badge"},
	)

	// VersionConflictsTotal counts lost compare-and-swap races by subsystem.
	VersionConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidlane",
			Name:      "version_conflicts_total",
			Help:      "Total conditional updates that lost a race, by subsystem.",
		},
		[]string{"subsystem"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bidlane",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bidlane", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bidlane", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bidlane", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DisputesFiledTotal,
		VotesTotal,
		VerdictsTotal,
		VoteRejectionsTotal,
		ReleasesTotal,
		ReleaseBlockedTotal,
		HealthFlagsTotal,
		SweepDuration,
		ReputationOutcomesTotal,
		BadgesGrantedTotal,
		VersionConflictsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
