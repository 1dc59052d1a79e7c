// Package observability exposes the engine's four process counters as
// Prometheus metrics and provides a structured logging sink, per the
// ambient observability stack. Grounded on the metrics package shape used
// elsewhere in the corpus (one struct of pre-registered collectors, a
// sync.Once-guarded constructor, nil-receiver methods that are no-ops).
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/patchwire/sniwedge/pkg/mangle"
)

// Metrics tracks Prometheus counters mirroring pkg/mangle.Counters, plus
// one counter broken out by mutation strategy for finer-grained dashboards
// than the four flat engine counters give alone.
type Metrics struct {
	AllPackets    prometheus.Counter
	MatchedPackets prometheus.Counter
	TargetedPackets prometheus.Counter
	InjectedBuffers prometheus.Counter

	StrategyApplications *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics creates and registers the counters exactly once. If
// registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &Metrics{
			AllPackets: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sniwedge_packets_seen_total",
				Help: "Total packets observed by the engine, including malformed and non-TCP ones",
			}),
			MatchedPackets: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sniwedge_packets_parsed_total",
				Help: "Total packets successfully parsed into a TCP view",
			}),
			TargetedPackets: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sniwedge_packets_targeted_total",
				Help: "Total packets matched by a configured section",
			}),
			InjectedBuffers: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sniwedge_buffers_injected_total",
				Help: "Total wire buffers injected in place of a targeted packet",
			}),
			StrategyApplications: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sniwedge_strategy_applications_total",
					Help: "Total mutation strategy applications by strategy name",
				},
				[]string{"strategy"},
			),
		}

		registerer.MustRegister(
			m.AllPackets,
			m.MatchedPackets,
			m.TargetedPackets,
			m.InjectedBuffers,
			m.StrategyApplications,
		)

		metricsInstance = m
	})

	return metricsInstance
}

// Observe copies a point-in-time Counters snapshot into the Prometheus
// counters. Counters only go up, matching pkg/mangle.Counters' own
// monotonic semantics, so Observe is safe to call repeatedly on a timer
// with the running total rather than a delta.
func (m *Metrics) Observe(snapshot mangle.Counters) {
	if m == nil {
		return
	}
	addTo(m.AllPackets, snapshot.AllPacketCounter)
	addTo(m.MatchedPackets, snapshot.PacketCounter)
	addTo(m.TargetedPackets, snapshot.TargetCounter)
	addTo(m.InjectedBuffers, snapshot.SentCounter)
}

// RecordStrategy increments the per-strategy-name counter.
func (m *Metrics) RecordStrategy(name string) {
	if m == nil {
		return
	}
	m.StrategyApplications.WithLabelValues(name).Inc()
}

// addTo sets a Prometheus counter to the given monotonic total. Counter
// has no Set method, so the delta since the last observed value is added;
// callers are expected to drive this from one goroutine at a time (the
// periodic metrics-export loop), matching the snapshot-then-export
// pattern pkg/mangle.Counters.Snapshot was built for.
func addTo(c prometheus.Counter, total uint64) {
	prev, _ := lastValues.LoadOrStore(c, uint64(0))
	c.Add(float64(total - prev.(uint64)))
	lastValues.Store(c, total)
}

var lastValues sync.Map // prometheus.Counter -> uint64
