package avg

import "testing"

func TestNewHasValue(t *testing.T) {
	m := New(10)
	if !m.HasValue() || m.Value() != 10 {
		t.Fatalf("got %+v", m)
	}
}

func TestZeroValueHasNoSample(t *testing.T) {
	var m MovingAverage
	if m.HasValue() {
		t.Fatalf("zero value should report no sample")
	}
}

func TestAddIsMonotoneTowardRecentSample(t *testing.T) {
	m := New(100)
	lower := m.Add(0)
	if lower.Value() >= m.Value() {
		t.Fatalf("expected average to move toward new low sample, got %v from %v", lower.Value(), m.Value())
	}

	higher := m.Add(1000)
	if higher.Value() <= m.Value() {
		t.Fatalf("expected average to move toward new high sample, got %v from %v", higher.Value(), m.Value())
	}
}

func TestAddOnZeroValueSeeds(t *testing.T) {
	var m MovingAverage
	m = m.Add(42)
	if !m.HasValue() || m.Value() != 42 {
		t.Fatalf("got %+v", m)
	}
}
