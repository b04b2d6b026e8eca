// Package pool implements the per-member connection pool (spec.md
// C3/§4.3): a concurrency-limited, request-affine set of sockets with
// fork safety, idle health checks, and a generation counter used to
// invalidate every outstanding socket at once.
package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
)

// RequestID names one caller's bracketed request (spec.md §4.6 /
// DESIGN.md open question #4): the explicit handle a caller threads
// through StartRequest/EndRequest in place of goroutine-local storage.
type RequestID uint64

var requestIDSeq uint64

// NextRequestID hands out a process-wide unique RequestID.
func NextRequestID() RequestID {
	return RequestID(atomic.AddUint64(&requestIDSeq, 1))
}

// Options configures a MemberPool. Zero-value fields fall back to the
// defaults noted.
type Options struct {
	// MaxPoolSize is the semaphore capacity. Zero means unbounded.
	MaxPoolSize int
	// WaitQueueTimeout bounds how long GetSocket blocks for a free slot.
	// Zero means wait indefinitely (subject to ctx).
	WaitQueueTimeout time.Duration
	// WaitQueueMultiple caps concurrent waiters at MaxPoolSize *
	// WaitQueueMultiple; zero disables the waiter budget.
	WaitQueueMultiple float64
	// ConnectTimeout bounds dialing a new socket. Default 20s.
	ConnectTimeout time.Duration
	// SocketTimeout is stored with the pool's options but is not applied:
	// the pool sets no read/write deadline on the sockets it hands out
	// and exposes no accessor for the value.
	SocketTimeout time.Duration
	// IdleCheckAfter is how long a socket may sit idle before GetSocket
	// health-checks it (spec.md §4.3). Default 1s.
	IdleCheckAfter time.Duration
	// TLSConfig, when non-nil, wraps new connections in TLS.
	TLSConfig *tls.Config
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.IdleCheckAfter <= 0 {
		o.IdleCheckAfter = 1 * time.Second
	}
	return o
}

type reqState struct {
	sock  *PooledSocket // nil means NO_SOCKET_YET (spec.md §4.6)
	depth int           // reentrant StartRequest/EndRequest count
}

// MemberPool is the connection pool for one replica set member.
type MemberPool struct {
	endpoint address.Endpoint
	opts     Options
	sem      *semaphore

	mu         sync.Mutex
	generation int
	pid        int
	idle       []*PooledSocket
	requests   map[RequestID]*reqState
	closed     bool
}

// New builds a MemberPool bound to one endpoint.
func New(endpoint address.Endpoint, opts Options) *MemberPool {
	opts = opts.withDefaults()
	sem := newSemaphore(opts.MaxPoolSize)
	if opts.MaxPoolSize > 0 && opts.WaitQueueMultiple > 0 {
		sem.setMaxWaiters(int(float64(opts.MaxPoolSize) * opts.WaitQueueMultiple))
	}
	return &MemberPool{
		endpoint: endpoint,
		opts:     opts,
		sem:      sem,
		pid:      os.Getpid(),
		requests: make(map[RequestID]*reqState),
	}
}

// Endpoint satisfies member.Pool.
func (p *MemberPool) Endpoint() address.Endpoint { return p.endpoint }

// StartRequest binds id to a pending request on this pool. Reentrant:
// nested StartRequest/EndRequest pairs on the same id nest correctly
// (spec.md §4.6).
func (p *MemberPool) StartRequest(id RequestID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rs, ok := p.requests[id]; ok {
		rs.depth++
		return
	}
	p.requests[id] = &reqState{depth: 1}
}

// EndRequest unwinds one StartRequest nesting level. At depth zero the
// request's bound socket, if any, is returned for real (permit release
// and idle placement happen through the normal MaybeReturnSocket path).
func (p *MemberPool) EndRequest(id RequestID) {
	p.mu.Lock()
	rs, ok := p.requests[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	rs.depth--
	if rs.depth > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.requests, id)
	sock := rs.sock
	p.mu.Unlock()

	if sock != nil {
		p.returnToIdleOrDiscard(sock)
	}
}

// InRequest reports whether id currently has a bracketed request open.
func (p *MemberPool) InRequest(id RequestID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.requests[id]
	return ok
}

// GetSocket checks out a socket for id (spec.md §4.3's seven-step
// algorithm). id may be zero to mean "no request affinity". force
// takes a permit if one is free without waiting, and otherwise proceeds
// without one; a socket handed out without a permit is marked forced
// and is exempt from permit accounting on return.
func (p *MemberPool) GetSocket(ctx context.Context, id RequestID, force bool) (*PooledSocket, error) {
	p.checkFork()

	p.mu.Lock()
	rs, inRequest := p.requests[id]
	if inRequest && rs.sock != nil {
		bound := rs.sock
		p.mu.Unlock()

		checked, err := p.checkSocket(ctx, bound)
		if err != nil {
			p.mu.Lock()
			if cur, ok := p.requests[id]; ok && cur == rs {
				cur.sock = nil
			}
			p.mu.Unlock()
			return nil, err
		}
		if checked != bound {
			p.mu.Lock()
			if cur, ok := p.requests[id]; ok && cur == rs {
				cur.sock = checked
			}
			p.mu.Unlock()
		}
		checked.touchReturn()
		return checked, nil
	}
	p.mu.Unlock()

	acquired := false
	if !force {
		if err := p.acquireWithTimeout(ctx); err != nil {
			return nil, err
		}
		acquired = true
	} else if p.sem.acquire(ctx, false) == nil {
		acquired = true
	}

	sock, err := p.popIdleOrConnect(ctx)
	if err != nil {
		if acquired {
			p.sem.release()
		}
		return nil, err
	}
	sock.mu.Lock()
	sock.forced = !acquired
	sock.mu.Unlock()
	sock.touchReturn()

	if inRequest {
		p.mu.Lock()
		if cur, ok := p.requests[id]; ok && cur == rs {
			cur.sock = sock
		}
		p.mu.Unlock()
	}

	return sock, nil
}

func (p *MemberPool) acquireWithTimeout(ctx context.Context) error {
	if p.opts.WaitQueueTimeout <= 0 {
		return p.sem.acquire(ctx, true)
	}
	wctx, cancel := context.WithTimeout(ctx, p.opts.WaitQueueTimeout)
	defer cancel()
	return p.sem.acquire(wctx, true)
}

// popIdleOrConnect pops a live idle socket (checking its health first)
// or dials a fresh one if the idle list is empty or every idle socket
// was unhealthy.
func (p *MemberPool) popIdleOrConnect(ctx context.Context) (*PooledSocket, error) {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			gen := p.generation
			p.mu.Unlock()
			return p.connect(ctx, gen, false)
		}
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		checked, err := p.checkSocket(ctx, s)
		if err == nil {
			return checked, nil
		}
		// Unhealthy and could not be replaced in place; try the next
		// idle socket, or fall through to a fresh connect.
	}
}

// checkSocket applies spec.md §4.3's three health-check triggers:
// the socket is already closed, its generation is stale, or it has
// been idle past IdleCheckAfter with a pending readable byte. An
// unhealthy socket is replaced by a fresh connect under the same
// permit; a healthy one is returned unchanged.
func (p *MemberPool) checkSocket(ctx context.Context, s *PooledSocket) (*PooledSocket, error) {
	p.mu.Lock()
	currentGen := p.generation
	p.mu.Unlock()

	unhealthy := s.Closed() || s.generationOf() != currentGen
	if !unhealthy && time.Since(s.idleSince()) > p.opts.IdleCheckAfter {
		unhealthy = s.looksReadable()
	}
	if !unhealthy {
		return s, nil
	}

	s.Close()
	return p.connect(ctx, currentGen, s.Forced())
}

func (p *MemberPool) connect(ctx context.Context, generation int, forced bool) (*PooledSocket, error) {
	dialer := net.Dialer{Timeout: p.opts.ConnectTimeout}
	cctx := ctx
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		cctx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(cctx, "tcp", p.endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("pool: connecting to %s: %w", p.endpoint, err)
	}
	if p.opts.TLSConfig != nil {
		tlsConn := tls.Client(conn, p.opts.TLSConfig)
		if err := tlsConn.HandshakeContext(cctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pool: TLS handshake with %s: %w", p.endpoint, err)
		}
		conn = tlsConn
	}
	return newPooledSocket(conn, p.endpoint, generation, forced), nil
}

// MaybeReturnSocket implements spec.md §4.3's return path: a closed
// socket releases its permit (unless forced) and is discarded; a
// socket still bound to its owning request's affinity stays checked
// out; anything else releases its permit (unless forced) and goes back
// to the idle list, or is discarded if the pool has since been reset or
// is at capacity.
func (p *MemberPool) MaybeReturnSocket(id RequestID, s *PooledSocket) {
	if s == nil {
		return
	}

	p.mu.Lock()
	rs, inRequest := p.requests[id]
	boundToRequest := inRequest && rs.sock == s
	p.mu.Unlock()

	if s.Closed() {
		if !s.Forced() {
			p.sem.release()
		}
		if boundToRequest {
			p.mu.Lock()
			if cur, ok := p.requests[id]; ok && cur == rs {
				cur.sock = nil
			}
			p.mu.Unlock()
		}
		return
	}

	if boundToRequest {
		// Stays checked out for the life of the request; no permit
		// release until EndRequest returns it for real.
		return
	}

	p.returnToIdleOrDiscard(s)
}

// DiscardSocket force-closes s. If s was id's bound request socket,
// the binding resets to NO_SOCKET_YET so the next GetSocket call
// reconnects (spec.md §4.3). Discard never releases the permit itself:
// the subsequent MaybeReturnSocket call does that, since it will see a
// closed socket.
func (p *MemberPool) DiscardSocket(id RequestID, s *PooledSocket) {
	if s == nil {
		return
	}
	s.Close()

	p.mu.Lock()
	if rs, ok := p.requests[id]; ok && rs.sock == s {
		rs.sock = nil
	}
	p.mu.Unlock()
}

func (p *MemberPool) returnToIdleOrDiscard(s *PooledSocket) {
	if s.Closed() {
		if !s.Forced() {
			p.sem.release()
		}
		return
	}

	p.mu.Lock()
	atCapacity := p.opts.MaxPoolSize > 0 && len(p.idle) >= p.opts.MaxPoolSize
	if p.closed || s.generationOf() != p.generation || atCapacity {
		p.mu.Unlock()
		s.Close()
		if !s.Forced() {
			p.sem.release()
		}
		return
	}
	s.touchReturn()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	if !s.Forced() {
		p.sem.release()
	}
}

// Reset invalidates every socket in this pool (spec.md §4.3): the
// generation counter advances, idle sockets are closed immediately,
// and any socket already checked out will be discarded the next time
// it is health-checked or returned.
func (p *MemberPool) Reset() {
	p.mu.Lock()
	p.generation++
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
}

// checkFork detects a post-fork child process (spec.md §4.3's fork
// safety requirement: pymongo's pid == self.pid guard) and resets the
// pool, since inherited file descriptors must not be shared across
// processes.
func (p *MemberPool) checkFork() {
	pid := os.Getpid()
	p.mu.Lock()
	if p.pid == pid {
		p.mu.Unlock()
		return
	}
	p.pid = pid
	p.mu.Unlock()
	p.Reset()
}

// Close tears the pool down permanently: idle sockets are closed and
// no further sockets may be checked out.
func (p *MemberPool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
}

// Stats is a point-in-time snapshot for metrics/admin surfaces.
type Stats struct {
	Endpoint   address.Endpoint
	Idle       int
	Active     int
	Waiting    int
	InRequests int
	Generation int
}

func (p *MemberPool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	inRequests := len(p.requests)
	generation := p.generation
	p.mu.Unlock()
	return Stats{
		Endpoint:   p.endpoint,
		Idle:       idle,
		Active:     p.sem.inUse(),
		Waiting:    p.sem.waiting(),
		InRequests: inRequests,
		Generation: generation,
	}
}
