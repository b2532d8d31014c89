// Package metrics exposes Prometheus collectors for the bridge.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the bridge collectors.
type Metrics struct {
	eventsProcessed  *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	listenerRestarts *prometheus.CounterVec
	listenerHead     *prometheus.GaugeVec
	ledgerOutcomes   *prometheus.CounterVec
	broadcastDrops   prometheus.Counter
	httpLatency      *prometheus.HistogramVec
}

var (
	once     sync.Once
	registry *Metrics
)

// Default returns the lazily-initialised collectors registered with the
// default Prometheus registerer.
func Default() *Metrics {
	once.Do(func() {
		registry = New()
		prometheus.MustRegister(registry.Collectors()...)
	})
	return registry
}

// New builds unregistered collectors.
func New() *Metrics {
	return &Metrics{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "listener",
			Name:      "events_total",
			Help:      "Chain events seen by listeners, segmented by contract and outcome.",
		}, []string{"contract", "outcome"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "listener",
			Name:      "dispatch_failures_total",
			Help:      "Failed deliveries to the internal processing endpoint.",
		}, []string{"contract", "retryable"}),
		listenerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "listener",
			Name:      "restarts_total",
			Help:      "Listener restarts after an unhandled error.",
		}, []string{"contract"}),
		listenerHead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "listener",
			Name:      "last_processed_block",
			Help:      "Last block fully processed by each listener.",
		}, []string{"contract"}),
		ledgerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind, strategy and result.",
		}, []string{"kind", "strategy", "result"}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Balance notifications dropped because a session buffer was full.",
		}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for HTTP handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// Collectors lists every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsProcessed,
		m.dispatchFailures,
		m.listenerRestarts,
		m.listenerHead,
		m.ledgerOutcomes,
		m.broadcastDrops,
		m.httpLatency,
	}
}

func (m *Metrics) EventProcessed(contract, outcome string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(contract, outcome).Inc()
}

func (m *Metrics) DispatchFailed(contract string, retryable bool) {
	if m == nil {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	m.dispatchFailures.WithLabelValues(contract, label).Inc()
}

func (m *Metrics) ListenerRestarted(contract string) {
	if m == nil {
		return
	}
	m.listenerRestarts.WithLabelValues(contract).Inc()
}

func (m *Metrics) ListenerAdvanced(contract string, block uint64) {
	if m == nil {
		return
	}
	m.listenerHead.WithLabelValues(contract).Set(float64(block))
}

func (m *Metrics) LedgerOutcome(kind, strategy, result string) {
	if m == nil {
		return
	}
	m.ledgerOutcomes.WithLabelValues(kind, strategy, result).Inc()
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

func (m *Metrics) ObserveHTTP(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpLatency.WithLabelValues(route, status).Observe(elapsed.Seconds())
}
