package rsdriver

import (
	"sync"

	"github.com/nimbusdb/rsdriver/internal/pool"
)

// Request is a bracketed interval during which the caller is
// guaranteed to reuse one socket per member it touches (spec.md
// glossary "Request"). Go has no per-goroutine identity a pool can key
// affinity on the way pymongo keys it off a thread/greenlet ident
// (DESIGN.md open question #4), so the facade hands out this explicit
// handle in its place: thread it through the calls that must share a
// primary socket, and Release it when the bracket ends.
//
// The zero Request (a nil *Request) is a valid argument everywhere one
// is accepted — it means "no request affinity", matching spec.md's
// RequestID 0.
type Request struct {
	client *Client
	id     pool.RequestID
	once   sync.Once
}

// ID returns the RequestID this handle carries, for collaborators
// built directly against internal/router or internal/pool.
func (r *Request) ID() pool.RequestID {
	if r == nil {
		return 0
	}
	return r.id
}

// Release ends the request (spec.md §4.8 endRequest): every member
// pool this client knows about returns this request's bound socket,
// if any, to its idle set, and the client's pin for this request is
// cleared. Safe to call more than once; only the first call has
// effect. Typical use is `req := c.StartRequest(); defer req.Release()`.
func (r *Request) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.client.endRequest(r.id)
	})
}
