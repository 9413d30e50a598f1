// Package telemetry provides the Prometheus collectors shared by the
// shard server and cluster manager.
//
// ┌───────────────────────────────┬───────┬────────────────┐
// │ Metric                        │ Type  │ Labels         │
// ├───────────────────────────────┼───────┼────────────────┤
// │ carpkv_shard_ops_total        │ Ctr   │ shard, op      │
// │ carpkv_shard_keys             │ Gge   │ shard          │
// │ carpkv_ring_config_id         │ Gge   │ shard          │
// │ carpkv_fallback_routes_total  │ Ctr   │ primary        │
// └───────────────────────────────┴───────┴────────────────┘
//
// Registration is explicit: a shard server with no *prometheus.Registry
// configured gets a no-op Metrics and pays nothing on the hot path.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Op identifies the kind of key-value operation a metric is recorded
// for.
type Op string

const (
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Metrics is the abstraction the shard server and cluster manager code
// against; it is safe to call on a nil *Metrics (all methods are
// no-ops in that case), so components that don't opt into a registry
// don't need nil checks scattered through their call sites.
type Metrics struct {
	shardOps       *prometheus.CounterVec
	shardKeys      *prometheus.GaugeVec
	ringConfigID   *prometheus.GaugeVec
	fallbackRoutes *prometheus.CounterVec
}

// New registers the carpkv collectors against reg and returns a
// Metrics ready for use. Passing a nil registry is valid and yields a
// Metrics whose recording methods are safe no-ops.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		shardOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carpkv",
			Name:      "shard_ops_total",
			Help:      "Number of key-value operations served, by shard and operation.",
		}, []string{"shard", "op"}),
		shardKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carpkv",
			Name:      "shard_keys",
			Help:      "Number of keys currently stored per shard.",
		}, []string{"shard"}),
		ringConfigID: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carpkv",
			Name:      "ring_config_id",
			Help:      "Current CARP ring config_id as observed by this shard.",
		}, []string{"shard"}),
		fallbackRoutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carpkv",
			Name:      "fallback_routes_total",
			Help:      "Number of times a client routed a request to a fallback address.",
		}, []string{"primary"}),
	}
	reg.MustRegister(m.shardOps, m.shardKeys, m.ringConfigID, m.fallbackRoutes)
	return m
}

func (m *Metrics) IncOp(shardID string, op Op) {
	if m == nil {
		return
	}
	m.shardOps.WithLabelValues(shardID, string(op)).Inc()
}

func (m *Metrics) SetKeys(shardID string, n int) {
	if m == nil {
		return
	}
	m.shardKeys.WithLabelValues(shardID).Set(float64(n))
}

func (m *Metrics) SetRingConfigID(shardID string, configID uint64) {
	if m == nil {
		return
	}
	m.ringConfigID.WithLabelValues(shardID).Set(float64(configID))
}

func (m *Metrics) IncFallbackRoute(primaryAddr string) {
	if m == nil {
		return
	}
	m.fallbackRoutes.WithLabelValues(primaryAddr).Inc()
}
