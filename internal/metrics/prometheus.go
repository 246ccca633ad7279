package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all console server metrics.
type Registry struct {
	// HTTP surface
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec

	// Sessions and authentication
	AuthAttempts   *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	SSOTokens      *prometheus.CounterVec

	// Worker processes
	WorkerSpawns          *prometheus.CounterVec
	WorkerConnectAttempts *prometheus.HistogramVec
	WorkerKills           prometheus.Counter
	ActiveWorkers         prometheus.Gauge

	// Dispatch
	Dispatches *prometheus.CounterVec
	Uploads    *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "umc_http_requests_total",
		Help: "Total HTTP requests by resource and response status",
	}, []string{"resource", "status"})

	r.RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "umc_http_request_duration_seconds",
		Help:    "HTTP request latency by resource",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource"})

	r.AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "umc_auth_attempts_total",
		Help: "Authentication attempts by outcome",
	}, []string{"result"})

	r.ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "umc_sessions_active",
		Help: "Number of live sessions",
	})

	r.SSOTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "umc_sso_tokens_total",
		Help: "Single-sign-on token events (issued, redeemed, rejected)",
	}, []string{"event"})

	r.WorkerSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "umc_worker_spawns_total",
		Help: "Worker process spawns by module and outcome",
	}, []string{"module", "result"})

	r.WorkerConnectAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "umc_worker_connect_attempts",
		Help:    "Polling attempts needed before a worker socket became reachable",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
	}, []string{"module"})

	r.WorkerKills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umc_worker_kills_total",
		Help: "Worker processes terminated",
	})

	r.ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "umc_workers_active",
		Help: "Number of connected worker handles",
	})

	r.Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "umc_dispatches_total",
		Help: "Command dispatch decisions by module and outcome",
	}, []string{"module", "result"})

	r.Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "umc_uploads_total",
		Help: "Uploaded files by outcome",
	}, []string{"result"})

	return r
}
