// Package metric exposes quorumkv's runtime metrics through a real
// Prometheus registry: RPC call counters, consensus term/role gauges,
// store size, and replication-failure counters.
//
// Grounded on the teacher's internal/telemetry/metric package, which
// declared this same shape (Registry holding named Counter/Gauge fields,
// a package-level NewRegistry/Handler pair) but never wired it to an
// actual client; this rewires every field to prometheus/client_golang.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric quorumkv exports.
type Registry struct {
	registry *prometheus.Registry

	// RPC metrics: the counter is labeled by method name and outcome
	// ("ok"/"error"), the latency histogram by method name only.
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec

	// Consensus metrics. Leadership is exported as a single 0/1 gauge
	// (ConsensusIsLeader); there is no gauge for the FOLLOWER or CANDIDATE
	// roles.
	ConsensusTerm        prometheus.Gauge
	ConsensusIsLeader    prometheus.Gauge
	ConsensusElections   prometheus.Counter
	ConsensusStepDowns   prometheus.Counter

	// Store metrics.
	StoreKeysTotal prometheus.Gauge

	// Replication metrics.
	ReplicationAttemptsTotal *prometheus.CounterVec
	ReplicationFailuresTotal *prometheus.CounterVec

	// Cluster/discovery metrics.
	ClusterMembersHealthy prometheus.Gauge
	ClusterMembersTotal   prometheus.Gauge
}

// NewRegistry creates a Registry backed by a fresh prometheus.Registry,
// with every metric pre-registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumkv",
			Name:      "rpc_requests_total",
			Help:      "Total NodeService RPC requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quorumkv",
			Name:      "rpc_request_duration_seconds",
			Help:      "NodeService RPC handling latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ConsensusTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumkv",
			Name:      "consensus_term",
			Help:      "Current consensus term observed by this node.",
		}),
		ConsensusIsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumkv",
			Name:      "consensus_is_leader",
			Help:      "1 if this node currently holds the leader role, else 0.",
		}),
		ConsensusElections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumkv",
			Name:      "consensus_elections_started_total",
			Help:      "Total elections this node has started.",
		}),
		ConsensusStepDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumkv",
			Name:      "consensus_step_downs_total",
			Help:      "Total times this node stepped down from leader on a higher term.",
		}),
		StoreKeysTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumkv",
			Name:      "store_keys_total",
			Help:      "Number of live keys held in the local store.",
		}),
		ReplicationAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumkv",
			Name:      "replication_attempts_total",
			Help:      "Total replication fanout attempts, by target node.",
		}, []string{"target"}),
		ReplicationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumkv",
			Name:      "replication_failures_total",
			Help:      "Total replication fanout failures, by target node.",
		}, []string{"target"}),
		ClusterMembersHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumkv",
			Name:      "cluster_members_healthy",
			Help:      "Number of peer nodes currently below the unhealthy failure threshold.",
		}),
		ClusterMembersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumkv",
			Name:      "cluster_members_total",
			Help:      "Number of nodes in the static cluster config.",
		}),
	}

	reg.MustRegister(
		r.RPCRequestsTotal,
		r.RPCRequestDuration,
		r.ConsensusTerm,
		r.ConsensusIsLeader,
		r.ConsensusElections,
		r.ConsensusStepDowns,
		r.StoreKeysTotal,
		r.ReplicationAttemptsTotal,
		r.ReplicationFailuresTotal,
		r.ClusterMembersHealthy,
		r.ClusterMembersTotal,
	)

	return r
}

// ObserveRPC records the outcome and latency of one RPC call.
func (r *Registry) ObserveRPC(method string, err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.RPCRequestsTotal.WithLabelValues(method, outcome).Inc()
	r.RPCRequestDuration.WithLabelValues(method).Observe(seconds)
}

// ObserveReplication records one replication fanout attempt to target.
func (r *Registry) ObserveReplication(target string, err error) {
	r.ReplicationAttemptsTotal.WithLabelValues(target).Inc()
	if err != nil {
		r.ReplicationFailuresTotal.WithLabelValues(target).Inc()
	}
}

// SetLeader reflects the current leadership state into ConsensusIsLeader.
func (r *Registry) SetLeader(isLeader bool) {
	if isLeader {
		r.ConsensusIsLeader.Set(1)
	} else {
		r.ConsensusIsLeader.Set(0)
	}
}

// Handler returns the HTTP handler serving this registry's metrics at
// /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
