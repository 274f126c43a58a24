package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPromMetricsRegistersAndCollects(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMetrics(reg, "")

	m.IncRPC("PING", true)
	m.IncRPC("ANNOUNCE", false)
	m.ObserveLookup("FIND_PEER", 7, 120*time.Millisecond, true)
	m.IncPunch("locked")
	m.SetRoutingTableSize(42)

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"punchdht_rpcs_total":           false,
		"punchdht_lookup_seconds":       false,
		"punchdht_lookup_queries_total": false,
		"punchdht_holepunch_total":      false,
		"punchdht_routing_table_size":   false,
	}
	for _, f := range fams {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("metric %s not collected", name)
		}
	}

	// Double registration must panic inside MustRegister, so a second
	// instance needs its own registry.
	m2 := NewPromMetrics(prometheus.NewRegistry(), "other")
	m2.IncRPC("PING", true)
}
