package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration is recorded by the HTTP middleware for every request
// that reaches the router.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "relaygate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"method", "route", "status"},
)

// RelayOutcomeTotal counts relay attempts by terminal outcome (component H).
var RelayOutcomeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "relay",
		Name:      "outcome_total",
		Help:      "Total relay attempts by outcome.",
	},
	[]string{"outcome", "provider"},
)

// RelayRetriesTotal counts retries consumed per relay request.
var RelayRetriesTotal = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "relaygate",
		Subsystem: "relay",
		Name:      "retries",
		Help:      "Number of account retries consumed per relay request.",
		Buckets:   []float64{0, 1, 2, 3, 4, 5},
	},
)

// PoolHealthyConnections tracks warmed, healthy connections per account (component D).
var PoolHealthyConnections = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "relaygate",
		Subsystem: "pool",
		Name:      "healthy_connections",
		Help:      "Healthy warmed connections currently held per account.",
	},
	[]string{"account_id"},
)

// PoolReconnectsTotal counts reconnect attempts by result.
var PoolReconnectsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "pool",
		Name:      "reconnects_total",
		Help:      "Total reconnect attempts by result.",
	},
	[]string{"result"},
)

// RefreshDuration measures upstream OAuth token refresh latency (component E).
var RefreshDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "relaygate",
		Subsystem: "refresh",
		Name:      "duration_seconds",
		Help:      "Token refresh call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"outcome"},
)

// KeyAdmissionTotal counts key-validation outcomes (component F).
var KeyAdmissionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "keys",
		Name:      "admission_total",
		Help:      "Total tenant-key admission decisions by result.",
	},
	[]string{"result"},
)

// KeyCacheTotal counts validation-cache hits and misses (component B).
var KeyCacheTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "keys",
		Name:      "cache_total",
		Help:      "Validation cache lookups by outcome (hit, miss).",
	},
	[]string{"outcome"},
)

// SchedulerSelectionsTotal counts account-selection outcomes (component G).
var SchedulerSelectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "scheduler",
		Name:      "selections_total",
		Help:      "Account selection outcomes by strategy (bound, sticky, fresh, exhausted).",
	},
	[]string{"strategy"},
)

// UsageCostTotal accumulates billed cost in micro-dollars by model (component I).
var UsageCostTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "usage",
		Name:      "cost_micro_usd_total",
		Help:      "Total billed cost in micro-USD by model.",
	},
	[]string{"model"},
)

// OpsNotificationsTotal counts Slack ops alerts sent by type.
var OpsNotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "ops",
		Name:      "notifications_total",
		Help:      "Total ops notifications sent by type.",
	},
	[]string{"type"},
)

// All returns every relaygate-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RelayOutcomeTotal,
		RelayRetriesTotal,
		PoolHealthyConnections,
		PoolReconnectsTotal,
		RefreshDuration,
		KeyAdmissionTotal,
		KeyCacheTotal,
		SchedulerSelectionsTotal,
		UsageCostTotal,
		OpsNotificationsTotal,
	}
}

// NewMetricsRegistry builds a Prometheus registry with the Go/process
// collectors, the shared HTTP histogram, and any extra collectors supplied.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
