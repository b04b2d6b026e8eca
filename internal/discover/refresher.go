// Package discover implements the topology refresher (spec.md C5): the
// handshake-and-probe algorithm that rebuilds a topology.Snapshot from
// scratch on every refresh cycle.
package discover

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/errs"
	"github.com/nimbusdb/rsdriver/internal/member"
	"github.com/nimbusdb/rsdriver/internal/pool"
	"github.com/nimbusdb/rsdriver/internal/topology"
	"github.com/nimbusdb/rsdriver/internal/wire"
)

var wireRequestIDSeq int32

func nextWireRequestID() int32 {
	return atomic.AddInt32(&wireRequestIDSeq, 1)
}

// Refresher rebuilds a topology.Snapshot by handshaking the current
// membership (or the seed list, on the first refresh) and probing
// whatever hosts the first successful handshake reports (spec.md §4.5).
// Refresh itself does not install the result; the caller (the facade's
// constructor or the monitor) owns the atomic pointer swap and must
// serialize calls to Refresh so only one runs at a time.
type Refresher struct {
	Seeds            []address.Endpoint
	SetName          string
	Pools            *pool.Manager
	Codec            wire.Codec
	HandshakeTimeout time.Duration
}

func (r *Refresher) handshakeTimeout() time.Duration {
	if r.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return r.HandshakeTimeout
}

type candidate struct {
	endpoint address.Endpoint
	up       bool
}

func (r *Refresher) candidateOrder(prior topology.Snapshot) []candidate {
	members := prior.Members()
	if len(members) == 0 {
		out := make([]candidate, len(r.Seeds))
		for i, ep := range r.Seeds {
			out[i] = candidate{endpoint: ep, up: true}
		}
		return out
	}

	out := make([]candidate, len(members))
	for i, m := range members {
		out[i] = candidate{endpoint: m.Endpoint(), up: m.Up()}
	}
	// Up-first, down-last; stable so ties keep the endpoint-sorted order
	// topology.Snapshot.Members() already produced (spec.md §4.5 step 1).
	sort.SliceStable(out, func(i, j int) bool { return out[i].up && !out[j].up })
	return out
}

// handshakeAttempt is the result of handshaking one candidate endpoint.
type handshakeAttempt struct {
	endpoint address.Endpoint
	resp     wire.HandshakeResponse
	rtt      time.Duration
	err      error
}

func (r *Refresher) handshake(ctx context.Context, endpoint address.Endpoint) handshakeAttempt {
	p := r.Pools.Get(endpoint)
	start := time.Now()

	sock, err := p.GetSocket(ctx, 0, false)
	if err != nil {
		return handshakeAttempt{endpoint: endpoint, err: fmt.Errorf("connecting to %s: %w", endpoint, err)}
	}

	deadline := time.Now().Add(r.handshakeTimeout())
	sock.Conn().SetDeadline(deadline)

	payload, encErr := r.Codec.EncodeHandshake(wire.HandshakeCommand{IsMaster: 1})
	if encErr != nil {
		p.DiscardSocket(0, sock)
		p.MaybeReturnSocket(0, sock)
		return handshakeAttempt{endpoint: endpoint, err: fmt.Errorf("encoding handshake for %s: %w", endpoint, encErr)}
	}

	reqID := nextWireRequestID()
	if err := wire.Send(sock.Conn(), reqID, payload); err != nil {
		p.DiscardSocket(0, sock)
		p.MaybeReturnSocket(0, sock)
		return handshakeAttempt{endpoint: endpoint, err: fmt.Errorf("sending handshake to %s: %w", endpoint, err)}
	}

	respPayload, err := wire.ReadMessage(sock.Conn(), reqID)
	if err != nil {
		p.DiscardSocket(0, sock)
		p.MaybeReturnSocket(0, sock)
		return handshakeAttempt{endpoint: endpoint, err: fmt.Errorf("reading handshake reply from %s: %w", endpoint, err)}
	}

	sock.Conn().SetDeadline(time.Time{})
	p.MaybeReturnSocket(0, sock)
	rtt := time.Since(start)

	hs, err := r.Codec.DecodeHandshake(respPayload)
	if err != nil {
		return handshakeAttempt{endpoint: endpoint, err: fmt.Errorf("decoding handshake reply from %s: %w", endpoint, err)}
	}
	return handshakeAttempt{endpoint: endpoint, resp: hs, rtt: rtt}
}

// parseHostList turns handshake host strings into endpoints, skipping
// ones that fail to parse rather than aborting the whole refresh.
func parseHostList(hosts []string) []address.Endpoint {
	out := make([]address.Endpoint, 0, len(hosts))
	for _, h := range hosts {
		ep, err := address.Parse(h)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// Refresh runs the full handshake-and-probe algorithm (spec.md §4.5)
// and returns the snapshot that should be installed. It never mutates
// prior.
func (r *Refresher) Refresh(ctx context.Context, prior topology.Snapshot) (topology.Snapshot, error) {
	candidates := r.candidateOrder(prior)

	var (
		seedEndpoint address.Endpoint
		seedAttempt  handshakeAttempt
		found        bool
		perHostErrs  []string
	)

	for _, c := range candidates {
		attempt := r.handshake(ctx, c.endpoint)
		if attempt.err != nil {
			perHostErrs = append(perHostErrs, attempt.err.Error())
			continue
		}

		if r.SetName != "" && attempt.resp.SetName != "" && attempt.resp.SetName != r.SetName {
			return topology.Snapshot{}, errs.New(errs.Configuration,
				fmt.Sprintf("replica set name mismatch: configured %q, %s reports %q", r.SetName, c.endpoint, attempt.resp.SetName))
		}

		hosts := append(parseHostList(attempt.resp.Hosts), parseHostList(attempt.resp.Passives)...)
		if len(hosts) > 0 {
			seedEndpoint, seedAttempt, found = c.endpoint, attempt, true
			break
		}
	}

	if !found {
		if len(r.Seeds) == 0 && len(prior.Members()) == 0 {
			return topology.Snapshot{}, errs.New(errs.Configuration, "no suitable hosts: seed list was empty")
		}
		return topology.Snapshot{}, errs.New(errs.AutoReconnect, strings.Join(perHostErrs, "; "))
	}

	hostEndpoints := parseHostList(seedAttempt.resp.Hosts)
	hostEndpoints = append(hostEndpoints, parseHostList(seedAttempt.resp.Passives)...)
	hostSet := make(map[address.Endpoint]struct{}, len(hostEndpoints))
	for _, ep := range hostEndpoints {
		hostSet[ep] = struct{}{}
	}

	// A member the prior snapshot knew about but the new set no longer
	// claims (including the seed endpoint itself, if excluded) is torn
	// down here rather than left to leak: its pool never gets probed
	// below, since the loops that follow only walk hostSet (spec.md §3's
	// pool lifecycle).
	for _, m := range prior.Members() {
		if _, ok := hostSet[m.Endpoint()]; !ok {
			r.Pools.Remove(m.Endpoint())
		}
	}

	arbiters := make(map[address.Endpoint]struct{})
	for _, ep := range parseHostList(seedAttempt.resp.Arbiters) {
		arbiters[ep] = struct{}{}
	}

	members := make(map[address.Endpoint]member.Member)
	var writer address.Endpoint
	var hasWriter bool

	// Step 6: seed the new map with the already-handshaken candidate,
	// but only if the set actually claims it as a member.
	if _, ok := hostSet[seedEndpoint]; ok {
		m := buildMember(prior, seedEndpoint, r.Pools.Get(seedEndpoint), seedAttempt)
		members[seedEndpoint] = m
		if seedAttempt.resp.IsMaster {
			writer, hasWriter = seedEndpoint, true
		}
	}

	// Step 7: probe the rest, in a deterministic order (DESIGN.md open
	// question #1) so "last observed" primary claims are reproducible.
	remaining := make([]address.Endpoint, 0, len(hostSet))
	for ep := range hostSet {
		if ep == seedEndpoint {
			continue
		}
		remaining = append(remaining, ep)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Less(remaining[j]) })

	for _, ep := range remaining {
		attempt := r.handshake(ctx, ep)
		if attempt.err != nil {
			r.Pools.Remove(ep)
			continue
		}
		m := buildMember(prior, ep, r.Pools.Get(ep), attempt)
		members[ep] = m
		// Step 8: last probed primary claim wins.
		if attempt.resp.IsMaster {
			writer, hasWriter = ep, true
		}
	}

	lastError := ""
	if !hasWriter {
		lastError = "no member currently claims primary"
	}

	return topology.New(members, arbiters, writer, hasWriter, lastError, prior), nil
}

func buildMember(prior topology.Snapshot, endpoint address.Endpoint, p *pool.MemberPool, attempt handshakeAttempt) member.Member {
	hs := member.Handshake{
		IsPrimary:       attempt.resp.IsMaster,
		IsSecondary:     attempt.resp.Secondary,
		SetName:         attempt.resp.SetName,
		Hosts:           attempt.resp.Hosts,
		Passives:        attempt.resp.Passives,
		Arbiters:        attempt.resp.Arbiters,
		Tags:            attempt.resp.Tags,
		MaxDocumentSize: attempt.resp.MaxBSONObjectSize,
	}
	if existing, ok := prior.Get(endpoint); ok {
		return existing.CloneWith(hs, attempt.rtt)
	}
	return member.New(endpoint, p, hs, attempt.rtt)
}
