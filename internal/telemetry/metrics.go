package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposed by the shardmaster: how often the three mutating RPCs
// succeed, and how many servers are currently joined.
var (
	MasterJoinTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_master_join_total",
		Help: "Total number of successful Join calls.",
	})
	MasterLeaveTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_master_leave_total",
		Help: "Total number of successful Leave calls.",
	})
	MasterMoveTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_master_move_total",
		Help: "Total number of successful Move calls.",
	})
	MasterServersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_master_servers",
		Help: "Number of servers currently joined to the shardmaster.",
	})
)

// Metrics exposed by a shard manager: the view number it is currently
// serving, the view its primary has acknowledged, and how long ago its
// primary last pinged.
var (
	ManagerViewNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_manager_view_number",
		Help: "The view number currently being served to clients.",
	})
	ManagerAcknowledged = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_manager_acknowledged_view",
		Help: "The latest view number the current primary has acknowledged.",
	})
	ManagerPrimaryPingAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_manager_primary_ping_age_seconds",
		Help: "Seconds since the current primary last pinged.",
	})
)

// Metrics exposed by a shard worker: op counters and in-flight migration
// state, the two things an operator most needs during reconfiguration.
var (
	WorkerOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkv_worker_ops_total",
		Help: "Total number of Get/Put/Append/Delete calls handled, by kind and result.",
	}, []string{"op", "result"})
	WorkerKeysGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_worker_keys",
		Help: "Number of keys currently stored locally.",
	})
	WorkerMigrationsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_worker_migrations_in_flight",
		Help: "Number of keys currently being migrated to a new owner.",
	})
)

// RegisterMasterMetrics registers the shardmaster's collectors. Call once at
// startup before serving /metrics.
func RegisterMasterMetrics() {
	prometheus.MustRegister(MasterJoinTotal, MasterLeaveTotal, MasterMoveTotal, MasterServersGauge)
}

// RegisterManagerMetrics registers the shard manager's collectors.
func RegisterManagerMetrics() {
	prometheus.MustRegister(ManagerViewNumber, ManagerAcknowledged, ManagerPrimaryPingAge)
}

// RegisterWorkerMetrics registers the shard worker's collectors.
func RegisterWorkerMetrics() {
	prometheus.MustRegister(WorkerOpsTotal, WorkerKeysGauge, WorkerMigrationsInFlight)
}

// Handler returns the HTTP handler a service mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
