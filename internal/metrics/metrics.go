// Package metrics defines the Prometheus collectors for pools, transactions,
// batches and the distributed coordinator. Collectors are registered on the
// default registry at init, so every package can use them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks borrowed connections per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_active",
		Help: "Number of borrowed connections per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks idle connections per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_idle",
		Help: "Number of idle connections per pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured max size per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_max",
		Help: "Configured maximum connections per pool",
	}, []string{"pool"})

	// ConnectionsTotal counts connection lifecycle operations.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_connections_total",
		Help: "Total connection operations",
	}, []string{"pool", "status"})

	// WaitersLength tracks callers waiting for a connection.
	WaitersLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_waiters",
		Help: "Number of callers waiting for a connection per pool",
	}, []string{"pool"})

	// AcquireWaitDuration tracks time spent waiting in Acquire.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_acquire_wait_seconds",
		Help:    "Time spent waiting for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// HoldDuration tracks how long connections stay borrowed.
	HoldDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_hold_seconds",
		Help:    "Time between borrow and release",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"pool"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"pool", "error_type"})

	// LeaksDetected counts borrows held past the abandoned timeout.
	LeaksDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_leaks_detected_total",
		Help: "Borrowed connections held longer than the abandoned timeout",
	}, []string{"pool"})

	// HealthScore tracks the last computed health score per pool.
	HealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_health_score",
		Help: "Pool health score (0-100)",
	}, []string{"pool"})

	// FailoverEvents counts node failovers.
	FailoverEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_failover_events_total",
		Help: "Total failovers between nodes",
	}, []string{"pool", "from", "to"})

	// Transactions counts finished transactions by outcome.
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_transactions_total",
		Help: "Total transactions by outcome",
	}, []string{"outcome"})

	// TransactionDuration tracks transaction lifetimes.
	TransactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_transaction_duration_seconds",
		Help:    "Duration from begin to commit or rollback",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	// BatchChunks counts batch chunks by status.
	BatchChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_batch_chunks_total",
		Help: "Total batch chunks executed",
	}, []string{"table", "status"})

	// BatchRows counts rows applied by batch jobs.
	BatchRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_batch_rows_total",
		Help: "Total rows applied by batch jobs",
	}, []string{"table"})

	// RedisOperations counts Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
