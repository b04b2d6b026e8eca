package pool

import (
	"net"
	"sync"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
)

// PooledSocket wraps one TCP (optionally TLS) connection to a single
// member, tagged with the pool generation it was created under and
// whether it was handed out under the force path (spec.md §4.3).
type PooledSocket struct {
	mu         sync.Mutex
	conn       net.Conn
	endpoint   address.Endpoint
	generation int
	forced     bool
	closed     bool
	createdAt  time.Time
	lastReturn time.Time
	authSet    map[string]struct{}
}

func newPooledSocket(conn net.Conn, endpoint address.Endpoint, generation int, forced bool) *PooledSocket {
	now := time.Now()
	return &PooledSocket{
		conn:       conn,
		endpoint:   endpoint,
		generation: generation,
		forced:     forced,
		createdAt:  now,
		lastReturn: now,
	}
}

// Conn returns the underlying network connection.
func (s *PooledSocket) Conn() net.Conn { return s.conn }

// Endpoint returns the member this socket is connected to.
func (s *PooledSocket) Endpoint() address.Endpoint { return s.endpoint }

// Forced reports whether this socket bypassed the pool's concurrency
// semaphore (spec.md §4.3's force path).
func (s *PooledSocket) Forced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

func (s *PooledSocket) generationOf() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Closed reports whether Close has already run.
func (s *PooledSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down the underlying connection. Safe to call more than
// once.
func (s *PooledSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *PooledSocket) touchReturn() {
	s.mu.Lock()
	s.lastReturn = time.Now()
	s.mu.Unlock()
}

func (s *PooledSocket) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReturn
}

// AuthSet returns the credential sources currently authenticated on
// this socket (spec.md §4.8's per-socket authSet), for the facade's
// credential cache to diff against.
func (s *PooledSocket) AuthSet() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.authSet))
	for source := range s.authSet {
		out = append(out, source)
	}
	return out
}

// MarkAuthenticated records that source has been authenticated on this
// socket, after the caller's Authenticator has actually done so.
func (s *PooledSocket) MarkAuthenticated(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authSet == nil {
		s.authSet = make(map[string]struct{})
	}
	s.authSet[source] = struct{}{}
}

// MarkLoggedOut forgets source from this socket's authSet, after the
// caller's Authenticator has sent the logout.
func (s *PooledSocket) MarkLoggedOut(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authSet, source)
}

// looksReadable performs the one-byte-with-short-deadline probe that
// stands in for select()-based readability checks (spec.md §4.3's
// "idle >1s with a pending readable byte" health-check trigger): an
// idle socket should never have anything to read, so if it does, or the
// peer has gone away, the socket is unhealthy. A read timeout means no
// data is pending and the socket is healthy.
func (s *PooledSocket) looksReadable() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	defer s.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	_, err := s.conn.Read(buf)
	if err == nil {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}
