package topology

import "sync/atomic"

// Holder is the single atomic pointer every reader and the refresher
// share: snapshots are replaced wholesale with one pointer-sized store,
// never mutated in place (spec.md §3, §8 invariant "Snapshot swaps are
// atomic w.r.t. readers").
type Holder struct {
	ptr atomic.Pointer[Snapshot]
}

// NewHolder seeds a Holder with an initial snapshot (spec.md §8's
// empty-until-first-refresh client state).
func NewHolder(initial Snapshot) *Holder {
	h := &Holder{}
	h.ptr.Store(&initial)
	return h
}

// Load returns the current snapshot. Callers should take one local
// copy per operation and read from that copy throughout, since a
// concurrent Store can swap the pointer at any time.
func (h *Holder) Load() Snapshot {
	return *h.ptr.Load()
}

// Store installs s as the current snapshot.
func (h *Holder) Store(s Snapshot) {
	h.ptr.Store(&s)
}
