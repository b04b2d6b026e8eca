// Package router implements the request router (spec.md C7): member
// selection, retry, pin/unpin, and the send/receive cycle that talks to
// a chosen member's connection pool.
package router

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/errs"
	"github.com/nimbusdb/rsdriver/internal/member"
	"github.com/nimbusdb/rsdriver/internal/pool"
	"github.com/nimbusdb/rsdriver/internal/readpref"
	"github.com/nimbusdb/rsdriver/internal/topology"
	"github.com/nimbusdb/rsdriver/internal/wire"
)

// MaxRetry bounds member-selection retries within one Route call
// (spec.md §4.7 step 6).
const MaxRetry = 3

// RefreshWaitTimeout is how long a caller that needs a primary waits
// for a synchronous refresh before giving up (spec.md §5).
const RefreshWaitTimeout = 5 * time.Second

// monitorHandle is the narrow view of internal/monitor.Monitor the
// router needs: started lazily and woken on demand.
type monitorHandle interface {
	Start()
	ScheduleRefresh()
	WaitForRefresh(timeout time.Duration) bool
}

// Target describes how the router should pick a member for one
// message (spec.md §4.7's inputs).
type Target struct {
	// HasOverride, OverridePrimary, OverrideEndpoint implement the
	// "optional pinned-endpoint override": HasOverride && OverridePrimary
	// means "-1" (use the current primary); HasOverride && !OverridePrimary
	// names a specific endpoint.
	HasOverride      bool
	OverridePrimary  bool
	OverrideEndpoint address.Endpoint

	MustUsePrimary bool
	Mode           readpref.Mode
	TagSets        readpref.TagSets
	LatencyMs      int64
}

func (t Target) primaryRequired() bool {
	return t.MustUsePrimary || t.Mode == readpref.Primary
}

// Router resolves a member for each operation and carries out the
// send/receive cycle against it (spec.md C7).
type Router struct {
	holder  *topology.Holder
	pools   *pool.Manager
	codec   wire.Codec
	monitor monitorHandle

	startOnce sync.Once

	// authSync, when set, runs on every socket the router loans before
	// it is used, so the facade's credential cache (spec.md §4.8) can
	// bring the socket's authSet in line with whatever is currently
	// cached. Nil means no authentication is configured.
	authSync func(*pool.PooledSocket) error

	// onRetry, when set, is called once per failed candidate in the
	// member-selection loop (spec.md §4.7 step 6), so a caller can drive
	// observability without the router importing internal/metrics.
	onRetry func(mode readpref.Mode)
}

// New builds a Router. monitor's Start is deferred until the first
// Route call (spec.md §4.7 step 1).
func New(holder *topology.Holder, pools *pool.Manager, codec wire.Codec, monitor monitorHandle) *Router {
	return &Router{holder: holder, pools: pools, codec: codec, monitor: monitor}
}

// SetAuthSync installs the facade's credential-sync hook (spec.md
// §4.8: "When the router loans a socket, it compares the socket's
// authSet with the cached set"). Optional; a nil fn (the default)
// skips the step entirely.
func (r *Router) SetAuthSync(fn func(*pool.PooledSocket) error) {
	r.authSync = fn
}

// SetOnRetry installs a callback invoked once per candidate the
// selection loop discards after a failed send/receive (spec.md §4.7
// step 6). Optional.
func (r *Router) SetOnRetry(fn func(mode readpref.Mode)) {
	r.onRetry = fn
}

func (r *Router) ensureMonitorStarted() {
	r.startOnce.Do(func() {
		if r.monitor != nil {
			r.monitor.Start()
		}
	})
}

// Route resolves a member for msg per target and returns the endpoint
// used and the raw response payload (spec.md §4.7).
func (r *Router) Route(ctx context.Context, id pool.RequestID, msg wire.OutgoingMessage, target Target) (address.Endpoint, []byte, error) {
	r.ensureMonitorStarted()

	if target.MustUsePrimary {
		target.Mode = readpref.Primary
		target.TagSets = readpref.TagSets{{}}
	}

	snap := r.holder.Load()
	if _, ok := snap.PrimaryMember(); !ok {
		if r.monitor != nil {
			r.monitor.ScheduleRefresh()
			if target.Mode == readpref.Primary {
				r.monitor.WaitForRefresh(RefreshWaitTimeout)
			}
		}
		snap = r.holder.Load()
	}

	if target.HasOverride {
		return r.routeOverride(ctx, id, msg, target, snap)
	}

	if ep, ok := snap.PinnedEndpoint(id); ok {
		pinTags := target.TagSets
		if len(pinTags) == 0 {
			pinTags = readpref.TagSets{{}}
		}
		if m, ok := snap.Get(ep); ok && m.MatchesMode(target.Mode) && m.MatchesTagSets(pinTags) &&
			snap.KeepPin(id, target.Mode, target.TagSets, target.LatencyMs) {
			payload, err := r.trySendRecv(ctx, id, m, msg)
			if err == nil {
				return ep, payload, nil
			}
			if errs.Is(err, errs.AutoReconnect) {
				if target.primaryRequired() {
					r.Disconnect()
					return address.Endpoint{}, nil, err
				}
				// Fall through to normal selection, recording the error
				// via the retry loop's own accounting below.
			} else {
				return address.Endpoint{}, nil, err
			}
		}
	}
	snap.Unpin(id)

	candidates := snap.Members()
	var attemptErrs []string
	for attempt := 0; attempt < MaxRetry; attempt++ {
		if len(candidates) == 0 {
			break
		}
		m, ok := readpref.Select(candidates, readpref.ReadPref{Mode: target.Mode, TagSets: target.TagSets, LatencyMs: target.LatencyMs})
		if !ok {
			break
		}

		payload, err := r.trySendRecv(ctx, id, m, msg)
		if err == nil {
			if id != 0 {
				snap.Pin(id, m.Endpoint(), target.Mode, target.TagSets, target.LatencyMs)
			}
			return m.Endpoint(), payload, nil
		}
		attemptErrs = append(attemptErrs, fmt.Sprintf("%s: %v", m.Endpoint(), err))
		candidates = removeEndpoint(candidates, m.Endpoint())
		if r.onRetry != nil {
			r.onRetry(target.Mode)
		}
	}

	return address.Endpoint{}, nil, errs.New(errs.AutoReconnect,
		fmt.Sprintf("no member available for mode=%s tagSets=%v: %s", target.Mode, target.TagSets, strings.Join(attemptErrs, "; ")))
}

func removeEndpoint(members []member.Member, ep address.Endpoint) []member.Member {
	out := make([]member.Member, 0, len(members))
	for _, m := range members {
		if m.Endpoint() != ep {
			out = append(out, m)
		}
	}
	return out
}

func (r *Router) routeOverride(ctx context.Context, id pool.RequestID, msg wire.OutgoingMessage, target Target, snap topology.Snapshot) (address.Endpoint, []byte, error) {
	var (
		m  member.Member
		ok bool
	)
	if target.OverridePrimary {
		m, ok = snap.PrimaryMember()
		if !ok {
			return address.Endpoint{}, nil, errs.New(errs.AutoReconnect, snap.LastError())
		}
	} else {
		m, ok = snap.Get(target.OverrideEndpoint)
		if !ok {
			return address.Endpoint{}, nil, errs.New(errs.AutoReconnect, fmt.Sprintf("%s not available", target.OverrideEndpoint))
		}
	}

	payload, err := r.trySendRecv(ctx, id, m, msg)
	if err != nil {
		if writerEp, ok := snap.Writer(); ok && writerEp == m.Endpoint() {
			r.Disconnect()
		}
		return address.Endpoint{}, nil, err
	}
	return m.Endpoint(), payload, nil
}

// trySendRecv acquires a socket from m's pool, sends msg, and reads one
// response (spec.md §4.7). Timeouts are reported as auto-reconnect
// without marking the member down; other network errors mark it down
// and schedule a refresh. A failure to acquire a socket from the pool
// is returned as a connection failure and does not mark the member down.
func (r *Router) trySendRecv(ctx context.Context, id pool.RequestID, m member.Member, msg wire.OutgoingMessage) ([]byte, error) {
	if msg.MaxDocumentSize != nil && *msg.MaxDocumentSize > m.MaxDocumentSize() {
		return nil, errs.New(errs.InvalidDocument,
			fmt.Sprintf("document of %d bytes exceeds %s's limit of %d bytes", *msg.MaxDocumentSize, m.EndpointString(), m.MaxDocumentSize()))
	}

	p := r.pools.Get(m.Endpoint())
	sock, err := p.GetSocket(ctx, id, false)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionFailure, fmt.Sprintf("acquiring a socket to %s", m.Endpoint()), err)
	}

	if r.authSync != nil {
		if err := r.authSync(sock); err != nil {
			p.DiscardSocket(id, sock)
			p.MaybeReturnSocket(id, sock)
			return nil, err
		}
	}

	if err := wire.Send(sock.Conn(), msg.RequestID, msg.Payload); err != nil {
		return r.handleSendRecvFailure(p, id, sock, m, err)
	}

	payload, err := wire.ReadMessage(sock.Conn(), msg.RequestID)
	if err != nil {
		return r.handleSendRecvFailure(p, id, sock, m, err)
	}

	p.MaybeReturnSocket(id, sock)
	return payload, nil
}

func (r *Router) handleSendRecvFailure(p *pool.MemberPool, id pool.RequestID, sock *pool.PooledSocket, m member.Member, cause error) ([]byte, error) {
	p.DiscardSocket(id, sock)
	p.MaybeReturnSocket(id, sock)

	if ne, ok := cause.(net.Error); ok && ne.Timeout() {
		return nil, errs.Wrap(errs.AutoReconnect, fmt.Sprintf("timeout talking to %s", m.Endpoint()), cause)
	}

	r.markDown(m.Endpoint(), cause.Error())
	r.scheduleRefresh()
	return nil, errs.Wrap(errs.AutoReconnect, fmt.Sprintf("lost connection to %s", m.Endpoint()), cause)
}

// markDown best-effort swaps in a snapshot with m marked down. A lost
// update under concurrent markDown calls is tolerated (spec.md §4.7).
func (r *Router) markDown(ep address.Endpoint, reason string) {
	snap := r.holder.Load()
	r.holder.Store(snap.CloneMarkingDown(ep, reason))
}

func (r *Router) scheduleRefresh() {
	if r.monitor != nil {
		r.monitor.ScheduleRefresh()
	}
}

// Disconnect resets the primary's pool so its sockets are rebuilt,
// clears the writer and affinity, and wakes the monitor (spec.md
// §4.8's disconnect()).
func (r *Router) Disconnect() {
	snap := r.holder.Load()
	if w, ok := snap.Writer(); ok {
		r.pools.Get(w).Reset()
	}
	r.holder.Store(snap.CloneWithoutWriter())
	r.scheduleRefresh()
}

// SendWithAck implements the write path's "send-with-optional-ack"
// behavior (spec.md §4.7): Route the message, then, if a response was
// requested, decode the server's error document and translate its
// code into the matching error kind. A "not master" prefix triggers a
// disconnect in addition to the auto-reconnect error.
func (r *Router) SendWithAck(ctx context.Context, id pool.RequestID, msg wire.OutgoingMessage, target Target, expectAck bool) (address.Endpoint, error) {
	ep, payload, err := r.Route(ctx, id, msg, target)
	if err != nil {
		return address.Endpoint{}, err
	}
	if !expectAck {
		return ep, nil
	}

	doc, err := r.codec.DecodeError(payload)
	if err != nil {
		return ep, errs.Wrap(errs.OperationFailure, "decoding write acknowledgement", err)
	}
	if !doc.Failed() {
		return ep, nil
	}

	msgText := doc.Message()
	if strings.HasPrefix(strings.ToLower(msgText), "not master") {
		r.Disconnect()
		return ep, errs.New(errs.AutoReconnect, msgText)
	}
	return ep, errs.New(errs.OperationFailureKind(doc.Code), msgText)
}
