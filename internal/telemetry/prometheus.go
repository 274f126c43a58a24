package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics exports the Metrics surface as Prometheus collectors.
type PromMetrics struct {
	rpcs    *prometheus.CounterVec
	lookups *prometheus.HistogramVec
	queries prometheus.Counter
	punches *prometheus.CounterVec
	rtSize  prometheus.Gauge
}

func NewPromMetrics(reg prometheus.Registerer, namespace string) *PromMetrics {
	if namespace == "" {
		namespace = "punchdht"
	}
	m := &PromMetrics{
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpcs_total",
			Help:      "Inbound and outbound RPCs by command and outcome.",
		}, []string{"cmd", "ok"}),
		lookups: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_seconds",
			Help:      "Iterative lookup durations by command.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"cmd", "ok"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_queries_total",
			Help:      "Individual RPCs issued by iterative lookups.",
		}),
		punches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holepunch_total",
			Help:      "Hole-punch attempts by outcome.",
		}, []string{"outcome"}),
		rtSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_table_size",
			Help:      "Nodes currently in the routing table.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rpcs, m.lookups, m.queries, m.punches, m.rtSize)
	}
	return m
}

func boolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

func (m *PromMetrics) IncRPC(cmd string, ok bool) {
	m.rpcs.WithLabelValues(cmd, boolLabel(ok)).Inc()
}

func (m *PromMetrics) ObserveLookup(cmd string, queries int, duration time.Duration, ok bool) {
	m.lookups.WithLabelValues(cmd, boolLabel(ok)).Observe(duration.Seconds())
	m.queries.Add(float64(queries))
}

func (m *PromMetrics) IncPunch(outcome string) {
	m.punches.WithLabelValues(outcome).Inc()
}

func (m *PromMetrics) SetRoutingTableSize(n int) {
	m.rtSize.Set(float64(n))
}
