package topology

import (
	"testing"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/member"
	"github.com/nimbusdb/rsdriver/internal/pool"
	"github.com/nimbusdb/rsdriver/internal/readpref"
)

type fakePool struct{ ep address.Endpoint }

func (f fakePool) Endpoint() address.Endpoint { return f.ep }

func buildTestSnapshot() (Snapshot, address.Endpoint, address.Endpoint) {
	primaryEp := address.Endpoint{Host: "a", Port: 27017}
	secondaryEp := address.Endpoint{Host: "b", Port: 27017}

	primary := member.New(primaryEp, fakePool{primaryEp}, member.Handshake{IsPrimary: true}, time.Millisecond)
	secondary := member.New(secondaryEp, fakePool{secondaryEp}, member.Handshake{IsSecondary: true}, time.Millisecond)

	members := map[address.Endpoint]member.Member{
		primaryEp:   primary,
		secondaryEp: secondary,
	}
	snap := New(members, map[address.Endpoint]struct{}{}, primaryEp, true, "", Empty())
	return snap, primaryEp, secondaryEp
}

func TestNewSetsPrimaryMember(t *testing.T) {
	snap, primaryEp, _ := buildTestSnapshot()
	w, ok := snap.Writer()
	if !ok || w != primaryEp {
		t.Fatalf("expected writer %v, got %v (ok=%v)", primaryEp, w, ok)
	}
	pm, ok := snap.PrimaryMember()
	if !ok || !pm.IsPrimary() {
		t.Fatal("expected a primary member")
	}
}

func TestSecondariesDerivesFromMembers(t *testing.T) {
	snap, _, secondaryEp := buildTestSnapshot()
	secs := snap.Secondaries()
	if len(secs) != 1 || secs[0] != secondaryEp {
		t.Fatalf("expected [%v], got %v", secondaryEp, secs)
	}
}

func TestCloneMarkingDownWriterClearsWriter(t *testing.T) {
	snap, primaryEp, _ := buildTestSnapshot()
	down := snap.CloneMarkingDown(primaryEp, "connection refused")

	if _, ok := down.Writer(); ok {
		t.Fatal("expected no writer after marking it down")
	}
	if down.LastError() != "connection refused" {
		t.Fatalf("expected lastError to be set, got %q", down.LastError())
	}
	m, ok := down.Get(primaryEp)
	if !ok || m.Up() {
		t.Fatal("expected the downed member to remain present but marked down")
	}
}

func TestCloneMarkingDownNonWriterPreservesWriter(t *testing.T) {
	snap, primaryEp, secondaryEp := buildTestSnapshot()
	down := snap.CloneMarkingDown(secondaryEp, "timeout")

	w, ok := down.Writer()
	if !ok || w != primaryEp {
		t.Fatal("expected writer to survive marking a non-writer down")
	}
	m, _ := down.Get(secondaryEp)
	if m.Up() {
		t.Fatal("expected the secondary to be marked down")
	}
}

func TestCloneWithoutWriterClearsAffinity(t *testing.T) {
	snap, primaryEp, _ := buildTestSnapshot()
	id := pool.NextRequestID()
	snap.Pin(id, primaryEp, readpref.Primary, nil, 15)

	cleared := snap.CloneWithoutWriter()
	if _, ok := cleared.Writer(); ok {
		t.Fatal("expected no writer")
	}
	if _, ok := cleared.PinnedEndpoint(id); ok {
		t.Fatal("expected affinity to be reset")
	}
}

func TestNewCarriesAffinityWhenWriterUnchanged(t *testing.T) {
	snap, primaryEp, _ := buildTestSnapshot()
	id := pool.NextRequestID()
	snap.Pin(id, primaryEp, readpref.Primary, nil, 15)

	next := New(snap.members, snap.arbiters, primaryEp, true, "", snap)
	if ep, ok := next.PinnedEndpoint(id); !ok || ep != primaryEp {
		t.Fatal("expected affinity to carry over when the writer is unchanged")
	}
}

func TestNewAllocatesFreshAffinityWhenWriterChanges(t *testing.T) {
	snap, primaryEp, secondaryEp := buildTestSnapshot()
	id := pool.NextRequestID()
	snap.Pin(id, primaryEp, readpref.Primary, nil, 15)

	next := New(snap.members, snap.arbiters, secondaryEp, true, "", snap)
	if _, ok := next.PinnedEndpoint(id); ok {
		t.Fatal("expected affinity to reset when the writer changes")
	}
}

func TestKeepPinRequiresExactPreferenceMatch(t *testing.T) {
	snap, primaryEp, _ := buildTestSnapshot()
	id := pool.NextRequestID()
	snap.Pin(id, primaryEp, readpref.Primary, readpref.TagSets{{"dc": "ny"}}, 15)

	if !snap.KeepPin(id, readpref.Primary, readpref.TagSets{{"dc": "ny"}}, 15) {
		t.Fatal("expected an identical preference to keep the pin")
	}
	if snap.KeepPin(id, readpref.Nearest, readpref.TagSets{{"dc": "ny"}}, 15) {
		t.Fatal("expected a changed mode to drop the pin")
	}
	if snap.KeepPin(id, readpref.Primary, readpref.TagSets{{"dc": "sf"}}, 15) {
		t.Fatal("expected changed tag sets to drop the pin")
	}
}

func TestUnpinClearsPin(t *testing.T) {
	snap, primaryEp, _ := buildTestSnapshot()
	id := pool.NextRequestID()
	snap.Pin(id, primaryEp, readpref.Primary, nil, 15)
	snap.Unpin(id)

	if _, ok := snap.PinnedEndpoint(id); ok {
		t.Fatal("expected pin to be cleared")
	}
}
