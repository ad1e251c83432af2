package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolStats is the key pool view sampled on every scrape.
type PoolStats struct {
	Active   int
	Warmup   int
	Draining int
	InFlight int64
}

// Metrics holds the relay counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TxTotal        prometheus.Counter
	TxSuccess      prometheus.Counter
	TxErrors       *prometheus.CounterVec
	RPCErrors      *prometheus.CounterVec
	RPCFailovers   prometheus.Counter
	NonceRetries   prometheus.Counter
	RelayDuration  prometheus.Histogram
	KeyEvents      *prometheus.CounterVec
	ScaleDecisions *prometheus.CounterVec
}

// New registers every metric. stats may be nil until the pool exists; the
// key gauges then report zero.
func New(stats func() PoolStats) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		TxTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "relayx_tx_total",
			Help: "Relay requests received",
		}),
		TxSuccess: f.NewCounter(prometheus.CounterOpts{
			Name: "relayx_tx_success_total",
			Help: "Transactions accepted by the RPC node",
		}),
		TxErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayx_tx_error_total",
			Help: "Relay requests that failed, by error kind",
		}, []string{"kind"}),
		RPCErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayx_rpc_errors_total",
			Help: "Endpoint-level RPC failures",
		}, []string{"endpoint"}),
		RPCFailovers: f.NewCounter(prometheus.CounterOpts{
			Name: "relayx_rpc_failovers_total",
			Help: "Calls answered by the fallback endpoint after a primary failure",
		}),
		NonceRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "relayx_nonce_retries_total",
			Help: "Relay retries caused by a nonce conflict",
		}),
		RelayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayx_relay_duration_seconds",
			Help:    "Time from request to broadcast acknowledgement",
			Buckets: prometheus.DefBuckets,
		}),
		KeyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayx_key_events_total",
			Help: "Key lifecycle events",
		}, []string{"event"}),
		ScaleDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayx_scale_decisions_total",
			Help: "Autoscaler decisions, by direction and outcome",
		}, []string{"direction", "outcome"}),
	}

	sample := func(pick func(PoolStats) float64) func() float64 {
		return func() float64 {
			if stats == nil {
				return 0
			}
			return pick(stats())
		}
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{Name: "relayx_keys_active", Help: "Active keys"},
		sample(func(s PoolStats) float64 { return float64(s.Active) }))
	f.NewGaugeFunc(prometheus.GaugeOpts{Name: "relayx_keys_warm", Help: "Keys registering on chain"},
		sample(func(s PoolStats) float64 { return float64(s.Warmup) }))
	f.NewGaugeFunc(prometheus.GaugeOpts{Name: "relayx_keys_draining", Help: "Keys being deleted"},
		sample(func(s PoolStats) float64 { return float64(s.Draining) }))
	f.NewGaugeFunc(prometheus.GaugeOpts{Name: "relayx_keys_in_flight", Help: "Requests holding a key"},
		sample(func(s PoolStats) float64 { return float64(s.InFlight) }))

	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
