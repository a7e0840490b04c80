// Package metrics defines the Prometheus series exported by the connection
// manager. No additional end-user-chosen labels are introduced, to bound
// cardinality. All series are promauto-registered package vars so every
// component can record to them without threading a registry handle
// through every call.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TenantLabelCap bounds how many distinct tenant label values the registry
// will emit; tenants past the cap are folded into the "other" bucket since
// the tenant dimension is caller-controlled.
var TenantLabelCap = 1000

var (
	tenantLabelMu sync.Mutex
	tenantLabels  = make(map[string]struct{})
)

// TenantLabel returns the label value to use for a tenant, folding tenants
// beyond TenantLabelCap into "other". A tenant that has been seen before
// keeps its own label for the life of the process.
func TenantLabel(tenant string) string {
	tenantLabelMu.Lock()
	defer tenantLabelMu.Unlock()
	if _, ok := tenantLabels[tenant]; ok {
		return tenant
	}
	if len(tenantLabels) >= TenantLabelCap {
		return "other"
	}
	tenantLabels[tenant] = struct{}{}
	return tenant
}

var (
	// ActiveConnections is db_active_connections{store,tier,tenant}.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_active_connections",
		Help: "Number of checked-out connections per tenant/store/tier.",
	}, []string{"store", "tier", "tenant"})

	// PoolSize is db_pool_size{store,tier,state}.
	PoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_pool_size",
		Help: "Pool size broken down by state (total, available, pending).",
	}, []string{"store", "tier", "state"})

	// BreakerState is circuit_breaker_state{store,tenant}: 0 CLOSED, 1
	// HALF_OPEN, 2 OPEN.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
	}, []string{"store", "tenant"})

	// QueriesTotal is db_queries_total{store,tier,status}.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_queries_total",
		Help: "Total execute() outcomes by status (success, error).",
	}, []string{"store", "tier", "status"})

	// ErrorsTotal is db_errors_total{store,tier,error_kind}.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_errors_total",
		Help: "Total errors by kind (breaker_open, acquire_timeout, op_timeout, ...).",
	}, []string{"store", "tier", "error_kind"})

	// BreakerOpenTotal is circuit_breaker_open_total{store,tenant}.
	BreakerOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_open_total",
		Help: "Total number of times the breaker transitioned into OPEN.",
	}, []string{"store", "tenant"})

	// QueryDuration is db_query_duration_seconds{store,tier,op}, 1ms..30s
	// geometric buckets.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of the work closure passed to execute().",
		Buckets: prometheus.ExponentialBucketsRange(0.001, 30, 14),
	}, []string{"store", "tier", "op"})

	// AcquireDuration is db_connection_acquire_duration_seconds{store,tier},
	// 1ms..1s geometric buckets.
	AcquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_connection_acquire_duration_seconds",
		Help:    "Duration spent acquiring a connection from the pool.",
		Buckets: prometheus.ExponentialBucketsRange(0.001, 1, 10),
	}, []string{"store", "tier"})

	// ── Supplementary series: pinning and liveness metrics alongside the
	// core acquire/query/breaker series above.

	// ConnectionsPinned tracks connections held open by an in-flight
	// transaction.
	ConnectionsPinned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_connections_pinned",
		Help: "Number of connections currently pinned (e.g. inside a transaction).",
	}, []string{"store", "tenant", "pin_reason"})

	// PinningDuration tracks how long connections stay pinned.
	PinningDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_pinning_duration_seconds",
		Help:    "Duration a connection spent pinned before being unpinned.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"store", "pin_reason"})

	// ManagerUp is a liveness gauge set to 1 while the manager singleton
	// is running.
	ManagerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_manager_up",
		Help: "1 while the connection manager is running, 0 once CloseAll has completed.",
	})

	// ReplicaFailoverDuration records the observed time between
	// objectively-down and switch-primary for the replica-aware KV
	// adapter.
	ReplicaFailoverDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kv_replica_failover_duration_seconds",
		Help:    "Observed duration between objectively-down and switch-primary overlay events.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"tenant"})
)
