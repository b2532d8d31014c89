package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecord(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.Collectors()...)

	m.EventProcessed("deposit", "applied")
	m.EventProcessed("deposit", "applied")
	m.EventProcessed("deposit", "duplicate")
	m.BroadcastDropped()

	if got := testutil.ToFloat64(m.eventsProcessed.WithLabelValues("deposit", "applied")); got != 2 {
		t.Fatalf("applied count: %v", got)
	}
	if got := testutil.ToFloat64(m.broadcastDrops); got != 1 {
		t.Fatalf("drop count: %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventProcessed("deposit", "applied")
	m.ListenerRestarted("faucet")
	m.BroadcastDropped()
}
