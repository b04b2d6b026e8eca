// Package topology implements the immutable replica-set snapshot
// (spec.md C4): the authoritative membership, current primary, and
// per-request affinity ("pin") store. Snapshots are replaced wholesale,
// never mutated, so any task holding a reference sees a consistent
// view for the duration of its operation (spec.md §3).
package topology

import (
	"sort"
	"sync"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/member"
	"github.com/nimbusdb/rsdriver/internal/pool"
	"github.com/nimbusdb/rsdriver/internal/readpref"
)

// Pin is one request's sticky member choice: the endpoint it last used
// plus the read preference that produced it, so a later call can check
// the preference hasn't changed before trusting the pin (spec.md §3's
// Pin tuple).
type Pin struct {
	Endpoint  address.Endpoint
	Mode      readpref.Mode
	TagSets   readpref.TagSets
	LatencyMs int64
}

// pinStore is the task-local affinity store. spec.md calls writes to it
// lock-free because a true thread-local can't race with other threads;
// this module's explicit pool.RequestID handle is shared state instead
// (DESIGN.md open question #4), so a mutex is the honest Go substitute.
type pinStore struct {
	mu   sync.Mutex
	pins map[pool.RequestID]Pin
}

func newPinStore() *pinStore {
	return &pinStore{pins: make(map[pool.RequestID]Pin)}
}

func (s *pinStore) get(id pool.RequestID) (Pin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pins[id]
	return p, ok
}

func (s *pinStore) set(id pool.RequestID, p Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[id] = p
}

func (s *pinStore) clear(id pool.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, id)
}

// Snapshot is an immutable view of the whole replica set (spec.md §3).
// Every field except affinity is fixed at construction; affinity is a
// hint and carries its own internal synchronization (invariant P3).
type Snapshot struct {
	members       map[address.Endpoint]member.Member
	arbiters      map[address.Endpoint]struct{}
	writer        address.Endpoint
	hasWriter     bool
	primaryMember member.Member
	lastError     string
	affinity      *pinStore
}

// Empty is the zero snapshot a client starts from before its first
// successful refresh.
func Empty() Snapshot {
	return Snapshot{
		members:  make(map[address.Endpoint]member.Member),
		arbiters: make(map[address.Endpoint]struct{}),
		affinity: newPinStore(),
	}
}

// New builds a snapshot from a fully-probed membership (spec.md §4.5
// step 10). writer/hasWriter describes the current primary, if any.
// prior is the snapshot being replaced (the zero Snapshot on the very
// first refresh); its affinity store is carried over when the new
// writer equals prior's, and freshly allocated otherwise, per the
// refresher's affinity-preservation rule (spec.md §4.5 step 9).
func New(members map[address.Endpoint]member.Member, arbiters map[address.Endpoint]struct{}, writer address.Endpoint, hasWriter bool, lastError string, prior Snapshot) Snapshot {
	affinity := newPinStore()
	if hasWriter && prior.hasWriter && prior.writer == writer {
		affinity = prior.affinity
	}
	s := Snapshot{
		members:   members,
		arbiters:  arbiters,
		writer:    writer,
		hasWriter: hasWriter,
		lastError: lastError,
		affinity:  affinity,
	}
	if hasWriter {
		s.primaryMember = members[writer]
	}
	return s
}

// Get looks up a member by endpoint.
func (s Snapshot) Get(ep address.Endpoint) (member.Member, bool) {
	m, ok := s.members[ep]
	return m, ok
}

// Writer returns the current primary's endpoint, if any.
func (s Snapshot) Writer() (address.Endpoint, bool) { return s.writer, s.hasWriter }

// PrimaryMember returns the current primary Member, if any.
func (s Snapshot) PrimaryMember() (member.Member, bool) {
	if !s.hasWriter {
		return member.Member{}, false
	}
	return s.primaryMember, true
}

// LastError is the human-readable reason the writer is empty; empty
// when a writer is set.
func (s Snapshot) LastError() string { return s.lastError }

// Members returns every known member, sorted by endpoint, for callers
// that need to enumerate the full candidate set (spec.md §4.7 step 5).
func (s Snapshot) Members() []member.Member {
	out := make([]member.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint().Less(out[j].Endpoint()) })
	return out
}

// Secondaries derives the current secondary endpoints.
func (s Snapshot) Secondaries() []address.Endpoint {
	out := make([]address.Endpoint, 0, len(s.members))
	for ep, m := range s.members {
		if m.IsSecondary() {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Arbiters returns the set of known arbiter endpoints.
func (s Snapshot) Arbiters() map[address.Endpoint]struct{} { return s.arbiters }

// CloneMarkingDown replaces endpoint's member with its down clone
// (spec.md §4.4). If endpoint was the writer, the result has no writer
// and lastError is set; otherwise the writer carries over unchanged.
func (s Snapshot) CloneMarkingDown(endpoint address.Endpoint, errMsg string) Snapshot {
	m, ok := s.members[endpoint]
	if !ok {
		return s
	}

	members := cloneMemberMap(s.members)
	members[endpoint] = m.CloneDown()

	next := Snapshot{
		members:  members,
		arbiters: s.arbiters,
		affinity: s.affinity,
	}
	if s.hasWriter && s.writer == endpoint {
		next.lastError = errMsg
		return next
	}
	next.writer = s.writer
	next.hasWriter = s.hasWriter
	next.primaryMember = s.primaryMember
	next.lastError = s.lastError
	return next
}

// CloneWithoutWriter preserves members but clears the writer and
// affinity (spec.md §4.7's disconnect()): a fresh task-local store,
// since no pin made under the old primary is trustworthy anymore.
func (s Snapshot) CloneWithoutWriter() Snapshot {
	return Snapshot{
		members:  s.members,
		arbiters: s.arbiters,
		affinity: newPinStore(),
	}
}

func cloneMemberMap(m map[address.Endpoint]member.Member) map[address.Endpoint]member.Member {
	out := make(map[address.Endpoint]member.Member, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Pin sticks id to endpoint under the given read preference (spec.md
// §4.4).
func (s Snapshot) Pin(id pool.RequestID, endpoint address.Endpoint, mode readpref.Mode, tagSets readpref.TagSets, latencyMs int64) {
	s.affinity.set(id, Pin{Endpoint: endpoint, Mode: mode, TagSets: tagSets, LatencyMs: latencyMs})
}

// KeepPin reports whether id's stored pin matches the given preference
// exactly — the condition under which the router may trust it (spec.md
// §4.7 step 4).
func (s Snapshot) KeepPin(id pool.RequestID, mode readpref.Mode, tagSets readpref.TagSets, latencyMs int64) bool {
	p, ok := s.affinity.get(id)
	if !ok {
		return false
	}
	if p.Mode != mode || p.LatencyMs != latencyMs || len(p.TagSets) != len(tagSets) {
		return false
	}
	for i := range tagSets {
		if len(tagSets[i]) != len(p.TagSets[i]) {
			return false
		}
		for k, v := range tagSets[i] {
			if p.TagSets[i][k] != v {
				return false
			}
		}
	}
	return true
}

// PinnedEndpoint returns id's currently pinned endpoint, if any.
func (s Snapshot) PinnedEndpoint(id pool.RequestID) (address.Endpoint, bool) {
	p, ok := s.affinity.get(id)
	if !ok {
		return address.Endpoint{}, false
	}
	return p.Endpoint, true
}

// Unpin clears id's affinity.
func (s Snapshot) Unpin(id pool.RequestID) { s.affinity.clear(id) }
