package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh
// registry so tests don't conflict with each other.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsReplacesNotIncrements(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("db1:27017", 3, 5, 1)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("db1:27017")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	c.UpdatePoolStats("db1:27017", 2, 4, 0)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("db1:27017")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("db1:27017")
	c.PoolExhausted("db1:27017")

	if v := getCounterValue(c.poolExhausted.WithLabelValues("db1:27017")); v != 2 {
		t.Errorf("expected exhausted=2, got %v", v)
	}
}

func TestSetMemberHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetMemberHealth("db1:27017", "primary", true)
	if v := getGaugeValue(c.memberHealth.WithLabelValues("db1:27017", "primary")); v != 1 {
		t.Errorf("expected up=1, got %v", v)
	}

	c.SetMemberHealth("db1:27017", "primary", false)
	if v := getGaugeValue(c.memberHealth.WithLabelValues("db1:27017", "primary")); v != 0 {
		t.Errorf("expected up=0, got %v", v)
	}
}

func TestSetPingAvg(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetPingAvg("db1:27017", 15*time.Millisecond)
	if v := getGaugeValue(c.pingAvgMs.WithLabelValues("db1:27017")); v != 15 {
		t.Errorf("expected 15ms, got %v", v)
	}
}

func TestRefreshCompletedRecordsOutcome(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RefreshCompleted(10*time.Millisecond, true)
	c.RefreshCompleted(20*time.Millisecond, false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "rsdriver_topology_refresh_duration_seconds" {
			found = true
			var total uint64
			for _, m := range f.GetMetric() {
				total += m.GetHistogram().GetSampleCount()
			}
			if total != 2 {
				t.Errorf("expected 2 samples across outcomes, got %d", total)
			}
		}
	}
	if !found {
		t.Error("refresh duration metric not found")
	}
}

func TestPrimaryChanged(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PrimaryChanged()
	c.PrimaryChanged()
	c.PrimaryChanged()

	if v := getCounterValue(c.primaryChanges); v != 3 {
		t.Errorf("expected primaryChanges=3, got %v", v)
	}
}

func TestSelectionRetried(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SelectionRetried("secondary")
	c.SelectionRetried("secondary")
	c.SelectionRetried("nearest")

	if v := getCounterValue(c.selectionRetries.WithLabelValues("secondary")); v != 2 {
		t.Errorf("expected secondary retries=2, got %v", v)
	}
	if v := getCounterValue(c.selectionRetries.WithLabelValues("nearest")); v != 1 {
		t.Errorf("expected nearest retries=1, got %v", v)
	}
}

func TestRemoveMember(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("db1:27017", 1, 2, 0)
	c.SetMemberHealth("db1:27017", "secondary", true)
	c.PoolExhausted("db1:27017")

	c.RemoveMember("db1:27017")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "member" && l.GetValue() == "db1:27017" {
					t.Errorf("metric %s still has db1:27017 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("db1:27017", 1, 0, 0)
	c2.UpdatePoolStats("db1:27017", 2, 0, 0)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("db1:27017"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("db1:27017"))
	if v1 != 1 || v2 != 2 {
		t.Errorf("expected independent registries, got v1=%v v2=%v", v1, v2)
	}
}
