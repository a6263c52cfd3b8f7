package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Scheduler
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "job_runs_total", Help: "Scheduled job runs."},
		[]string{"job", "result"}, // ok | locked | error
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_run_duration_seconds",
			Help:    "Duration of job bodies that held the lock.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms..~7min
		},
		[]string{"job"},
	)

	// Dispatch
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_total", Help: "Per-recipient dispatch outcomes."},
		[]string{"campaign", "outcome"}, // sent | failed | skipped | duplicate
	)
	StaleReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_stale_reclaimed_total", Help: "PENDING records failed by reconciliation."},
	)

	// Gateway
	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_calls_total", Help: "Gateway call outcomes."},
		[]string{"op", "result"}, // ok | error | auth
	)
	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Gateway call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"op"},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_token_refresh_total", Help: "Gateway logins."},
		[]string{"result"},
	)

	// Events
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "events_published_total", Help: "Events published to the bus."},
		[]string{"topic", "result"},
	)
	EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "events_consumed_total", Help: "Events handled by consumers."},
		[]string{"topic", "result"}, // sent | failed | noop | error
	)
)

var registerOnce sync.Once

// MustRegister registers default + our collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration,
			JobRuns, JobDuration,
			DispatchTotal, StaleReclaimed,
			GatewayCalls, GatewayDuration, TokenRefreshes,
			EventsPublished, EventsConsumed,
		)
	})
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns        prometheus.Gauge
	idle         prometheus.Gauge
	acquireCount prometheus.Gauge
	acquireSecs  prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireSecs)

	return m
}

// Start samples the pool until stop is closed. pgxpool counters are cumulative.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireSecs.Set(s.AcquireDuration().Seconds())
		}
	}
}
