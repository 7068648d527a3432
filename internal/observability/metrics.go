package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the rpc and dpi recorders.
const (
	OutcomeOK        = "ok"
	OutcomeRemoteErr = "remote_error"
	OutcomeClosed    = "closed"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Command service round trips by verb and outcome.",
		},
		[]string{"verb", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simctl",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Command service round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"verb", "outcome"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "console",
			Name:      "notifications_total",
			Help:      "Console notifications by delivery result.",
		},
		[]string{"result"},
	)
	subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simctl",
			Subsystem: "console",
			Name:      "subscriptions",
			Help:      "Currently registered console subscriptions.",
		},
	)
	dpiTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "dpi",
			Name:      "transactions_total",
			Help:      "Raw bus transactions by direction and outcome.",
		},
		[]string{"op", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total gateway HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Gateway HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			rpcRequests, rpcDuration,
			notifications, subscriptions,
			dpiTransactions,
			httpRequests, httpDuration,
		)
	})
}

func RecordRPC(verb, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(verb, outcome).Inc()
	rpcDuration.WithLabelValues(verb, outcome).Observe(duration.Seconds())
}

// RecordNotification counts one console push; delivered is false when no
// subscriber matched it.
func RecordNotification(delivered bool) {
	RegisterMetrics()
	result := "dropped"
	if delivered {
		result = "delivered"
	}
	notifications.WithLabelValues(result).Inc()
}

// AddSubscriptions moves the live subscription gauge by delta.
func AddSubscriptions(delta int) {
	RegisterMetrics()
	subscriptions.Add(float64(delta))
}

func RecordDPI(op, outcome string) {
	RegisterMetrics()
	dpiTransactions.WithLabelValues(op, outcome).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
