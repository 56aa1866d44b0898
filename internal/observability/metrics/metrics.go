package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedcoord_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fedcoord_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	authAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedcoord_auth_attempts_total",
		Help: "Authentication attempts by principal kind and result",
	}, []string{"kind", "result"})

	credentialHashDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fedcoord_credential_hash_seconds",
		Help:    "Duration of credential hash derivations",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	})

	fanoutEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedcoord_fanout_events_total",
		Help: "Change events published, by entity type and deletion flag",
	}, []string{"entity_type", "deleted"})

	fanoutDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedcoord_fanout_dropped_total",
		Help: "Change events dropped because a subscriber could not keep up",
	}, []string{"entity_type"})

	onlinePrincipals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fedcoord_online_principals",
		Help: "Principals with at least one live event-channel connection",
	})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fedcoord_active_runs",
		Help: "Runs in a non-terminal state",
	})

	runTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedcoord_run_transitions_total",
		Help: "Run status transitions observed by the server",
	}, []string{"status"})

	orchestratorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedcoord_orchestrator_requests_total",
		Help: "Calls to the execution orchestrator by result",
	}, []string{"result"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveAuthAttempt records a login or API key authentication attempt.
func ObserveAuthAttempt(kind, result string) {
	authAttempts.WithLabelValues(kind, result).Inc()
}

// ObserveCredentialHash records how long one hash derivation took.
func ObserveCredentialHash(duration time.Duration) {
	credentialHashDuration.Observe(duration.Seconds())
}

// ObserveFanout counts a published change event.
func ObserveFanout(entityType string, deleted bool) {
	flag := "false"
	if deleted {
		flag = "true"
	}
	fanoutEvents.WithLabelValues(entityType, flag).Inc()
}

// ObserveFanoutDrop counts an event dropped for a slow subscriber.
func ObserveFanoutDrop(entityType string) {
	fanoutDropped.WithLabelValues(entityType).Inc()
}

// SetOnlinePrincipals sets the online principal gauge.
func SetOnlinePrincipals(count int) {
	if count < 0 {
		count = 0
	}
	onlinePrincipals.Set(float64(count))
}

// SetActiveRuns sets the active run gauge.
func SetActiveRuns(count int) {
	if count < 0 {
		count = 0
	}
	activeRuns.Set(float64(count))
}

// ObserveRunTransition counts a run entering a status.
func ObserveRunTransition(status string) {
	runTransitions.WithLabelValues(status).Inc()
}

// ObserveOrchestratorCall records one execution-orchestrator request.
func ObserveOrchestratorCall(result string) {
	orchestratorRequests.WithLabelValues(result).Inc()
}
