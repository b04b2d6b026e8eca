package pool

import (
	"context"
	"testing"

	"github.com/nimbusdb/rsdriver/internal/address"
)

func TestManagerGetReturnsSamePoolInstance(t *testing.T) {
	m := NewManager(Options{})
	ep := startAcceptingListener(t)

	p1 := m.Get(ep)
	p2 := m.Get(ep)
	if p1 != p2 {
		t.Fatal("expected the same pool instance for the same endpoint")
	}
}

func TestManagerRemoveClosesPool(t *testing.T) {
	m := NewManager(Options{})
	ep := startAcceptingListener(t)

	p := m.Get(ep)
	s, err := p.GetSocket(context.Background(), 0, false)
	if err != nil {
		t.Fatalf("GetSocket: %v", err)
	}
	p.MaybeReturnSocket(0, s)

	m.Remove(ep)
	if !s.Closed() {
		t.Fatal("expected Remove to close the pool's idle sockets")
	}

	if p2 := m.Get(ep); p2 == p {
		t.Fatal("expected a fresh pool after Remove")
	}
}

func TestManagerResetAllBumpsEveryPoolGeneration(t *testing.T) {
	m := NewManager(Options{})
	epA := startAcceptingListener(t)
	epB := address.Endpoint{Host: "127.0.0.1", Port: 1} // never dialed in this test

	pA := m.Get(epA)
	pB := m.Get(epB)

	before := pA.Stats().Generation
	beforeB := pB.Stats().Generation
	m.ResetAll()
	if pA.Stats().Generation != before+1 {
		t.Fatal("expected ResetAll to bump every pool's generation")
	}
	if pB.Stats().Generation != beforeB+1 {
		t.Fatal("expected ResetAll to bump every pool's generation")
	}
}

func TestManagerStatsCoversEveryPool(t *testing.T) {
	m := NewManager(Options{})
	ep := startAcceptingListener(t)
	m.Get(ep)

	stats := m.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected one pool in stats, got %d", len(stats))
	}
}
