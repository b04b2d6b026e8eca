// Package rsdriver is the client-side driver for a replicated document
// database organized as a replica set (spec.md §1): one primary, some
// secondaries, zero or more arbiters. Client (C8) is the single logical
// connection applications hold; it owns the topology snapshot, the
// per-member connection pools, the background monitor, and the request
// router, and exposes the send/receive surface the rest of the package
// collaborates through.
package rsdriver

import (
	"context"
	"log/slog"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/discover"
	"github.com/nimbusdb/rsdriver/internal/errs"
	"github.com/nimbusdb/rsdriver/internal/metrics"
	"github.com/nimbusdb/rsdriver/internal/monitor"
	"github.com/nimbusdb/rsdriver/internal/pool"
	"github.com/nimbusdb/rsdriver/internal/readpref"
	"github.com/nimbusdb/rsdriver/internal/router"
	"github.com/nimbusdb/rsdriver/internal/topology"
	"github.com/nimbusdb/rsdriver/internal/wire"
)

// CloseTimeout bounds how long Close waits for the monitor loop to
// exit (spec.md §4.8 close()).
const CloseTimeout = 1 * time.Second

// statsReportInterval is how often pool occupancy is pushed into
// internal/metrics, mirroring the teacher's 5-second stats loop.
const statsReportInterval = 5 * time.Second

// Client is the application's handle to one replica set (spec.md C8).
type Client struct {
	opts    Options
	holder  *topology.Holder
	pools   *pool.Manager
	codec   wire.Codec
	monitor *monitor.Monitor
	router  *router.Router
	creds   *credentialCache
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New builds a Client: it validates opts, performs the replica set's
// first handshake-and-probe refresh synchronously (spec.md §4.5 notes
// the constructor is one of the two callers allowed to run a refresh),
// and leaves the background monitor unstarted until the first routed
// operation (spec.md §4.7 step 1). A failed initial refresh that is
// merely transient (auto-reconnect) is tolerated — the monitor will
// keep retrying; a configuration error is returned immediately since
// retrying it can never succeed.
func New(opts Options) (*Client, error) {
	if len(opts.Seeds) == 0 {
		return nil, errs.New(errs.Configuration, "at least one seed endpoint is required")
	}
	if opts.ReplicaSet == "" {
		return nil, errs.New(errs.Configuration, "replicaSet name is required")
	}

	codec := opts.codec()
	pools := pool.NewManager(opts.poolOptions())
	holder := topology.NewHolder(topology.Empty())

	refresher := &discover.Refresher{
		Seeds:            opts.Seeds,
		SetName:          opts.ReplicaSet,
		Pools:            pools,
		Codec:            codec,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	logger := slog.Default().With("component", "rsdriver", "replicaSet", opts.ReplicaSet)

	if initial, err := refresher.Refresh(context.Background(), holder.Load()); err != nil {
		if errs.Is(err, errs.Configuration) {
			return nil, err
		}
		logger.Warn("initial refresh failed, monitor will retry", "error", err)
	} else {
		holder.Store(initial)
	}

	mon := monitor.New(holder, refresher, opts.RefreshInterval)

	m := metrics.New()
	mon.SetOnRefresh(func(next topology.Snapshot, err error, d time.Duration) {
		onMonitorRefresh(logger, m, holder, next, err, d)
	})

	rtr := router.New(holder, pools, codec, mon)
	creds := newCredentialCache(opts.Authenticator)
	rtr.SetAuthSync(creds.sync)
	rtr.SetOnRetry(func(mode readpref.Mode) { m.SelectionRetried(mode.String()) })

	pools.StartStatsLoop(statsReportInterval, func(s pool.Stats) {
		member := s.Endpoint.String()
		m.UpdatePoolStats(member, s.Active, s.Idle, s.Waiting)
		if s.Waiting > 0 && s.Active >= opts.MaxPoolSize && opts.MaxPoolSize > 0 {
			m.PoolExhausted(member)
		}
	})

	return &Client{
		opts:    opts,
		holder:  holder,
		pools:   pools,
		codec:   codec,
		monitor: mon,
		router:  rtr,
		creds:   creds,
		metrics: m,
		logger:  logger,
	}, nil
}

// onMonitorRefresh drives observability off every refresh cycle
// (spec.md's ambient metrics; wires internal/metrics into the refresh
// loop rather than leaving the collector's setters uncalled).
func onMonitorRefresh(logger *slog.Logger, m *metrics.Collector, holder *topology.Holder, next topology.Snapshot, err error, d time.Duration) {
	m.RefreshCompleted(d, err == nil)
	if err != nil {
		m.RefreshError(errKindLabel(err))
		logger.Warn("topology refresh failed", "error", err, "duration", d)
		return
	}

	prior := holder.Load()
	priorWriter, priorHasWriter := prior.Writer()
	nextWriter, nextHasWriter := next.Writer()
	if priorHasWriter != nextHasWriter || priorWriter != nextWriter {
		m.PrimaryChanged()
		logger.Info("primary changed", "from", endpointOrNone(priorWriter, priorHasWriter), "to", endpointOrNone(nextWriter, nextHasWriter))
	}

	// Pool teardown for a departed member happens in discover.Refresher
	// itself, which is the code that already knows the new host set;
	// this loop only drops its metrics label.
	for _, mem := range prior.Members() {
		if _, ok := next.Get(mem.Endpoint()); !ok {
			m.RemoveMember(mem.EndpointString())
		}
	}

	for _, mem := range next.Members() {
		role := "secondary"
		if mem.IsPrimary() {
			role = "primary"
		} else if !mem.IsSecondary() {
			role = "other"
		}
		m.SetMemberHealth(mem.EndpointString(), role, mem.Up())
		if ms, ok := mem.PingMillis(); ok {
			m.SetPingAvg(mem.EndpointString(), time.Duration(ms)*time.Millisecond)
		}
	}
}

func errKindLabel(err error) string {
	if k, ok := errs.KindOf(err); ok {
		return k.String()
	}
	return "unknown"
}

func endpointOrNone(ep address.Endpoint, ok bool) string {
	if !ok {
		return "(none)"
	}
	return ep.String()
}

// StartRequest begins a request bracket (spec.md §4.8 startRequest()):
// every currently-known member pool starts tracking this request's
// socket affinity. Callers should `defer req.Release()`.
func (c *Client) StartRequest() *Request {
	id := pool.NextRequestID()
	for _, m := range c.holder.Load().Members() {
		c.pools.Get(m.Endpoint()).StartRequest(id)
	}
	return &Request{client: c, id: id}
}

func (c *Client) endRequest(id pool.RequestID) {
	for _, m := range c.holder.Load().Members() {
		c.pools.Get(m.Endpoint()).EndRequest(id)
	}
	c.holder.Load().Unpin(id)
}

// WithRequest runs fn inside a fresh request bracket, releasing it
// however fn returns (spec.md §4.8: "copyDatabase-style multi-step
// operations enter a request for the duration so all messages hit the
// same primary socket").
func (c *Client) WithRequest(fn func(req *Request) error) error {
	req := c.StartRequest()
	defer req.Release()
	return fn(req)
}

// AddCredential caches cred for authentication on every socket this
// client loans from now on (spec.md §4.8).
func (c *Client) AddCredential(cred Credential) error {
	return c.creds.Add(cred)
}

// RemoveCredential drops source from the credential cache; sockets
// already authenticated against it are logged out on next loan.
func (c *Client) RemoveCredential(source string) {
	c.creds.Remove(source)
}

// SendOptions carries a single call's routing inputs (spec.md §4.7):
// the read preference to route by, and optional overrides.
type SendOptions struct {
	// Req, if non-nil, is the request bracket this call belongs to —
	// its affinity pin applies. Nil means no request affinity.
	Req *Request
	// ReadPreference overrides the client's default for this call only
	// (SPEC_FULL §3: "secondaryAcceptableLatencyMs as a per-call
	// override, not just a client default").
	ReadPreference *readpref.ReadPref
	// MustUsePrimary forces primary routing regardless of
	// ReadPreference (SPEC_FULL §3's "_must_use_master" flag, e.g. for a
	// follow-up getLastError after a write).
	MustUsePrimary bool
	// ToPrimary and ToEndpoint implement spec.md §4.7's explicit
	// pinned-endpoint override. At most one should be set; ToPrimary
	// takes precedence.
	ToPrimary  bool
	ToEndpoint address.Endpoint
	HasToEndpoint bool
}

func (c *Client) target(opts SendOptions) router.Target {
	pref := c.opts.readPreference()
	if opts.ReadPreference != nil {
		pref = *opts.ReadPreference
	}
	t := router.Target{
		MustUsePrimary: opts.MustUsePrimary,
		Mode:           pref.Mode,
		TagSets:        pref.TagSets,
		LatencyMs:      pref.LatencyMs,
	}
	if opts.ToPrimary {
		t.HasOverride = true
		t.OverridePrimary = true
	} else if opts.HasToEndpoint {
		t.HasOverride = true
		t.OverrideEndpoint = opts.ToEndpoint
	}
	return t
}

func requestID(req *Request) pool.RequestID {
	if req == nil {
		return 0
	}
	return req.ID()
}

// Send routes msg per opts and returns the endpoint it landed on and
// the raw response payload (spec.md §4.7 Route). Most callers building
// a read go through this.
func (c *Client) Send(ctx context.Context, msg wire.OutgoingMessage, opts SendOptions) (address.Endpoint, []byte, error) {
	return c.router.Route(ctx, requestID(opts.Req), msg, c.target(opts))
}

// SendWithAck implements spec.md §4.7's write path: send msg and, if
// expectAck is true, decode the server's write acknowledgement and
// translate a failure into the matching error kind.
func (c *Client) SendWithAck(ctx context.Context, msg wire.OutgoingMessage, opts SendOptions, expectAck bool) (address.Endpoint, error) {
	return c.router.SendWithAck(ctx, requestID(opts.Req), msg, c.target(opts), expectAck)
}

// Disconnect resets the primary's pool and drops the current writer so
// the next operation forces a fresh refresh (spec.md §4.8 disconnect()).
func (c *Client) Disconnect() {
	c.router.Disconnect()
}

// Alive is a best-effort liveness probe (spec.md §4.8 alive() /
// §9 design note): it resolves the current primary, acquires any
// socket from its pool, and reports whether that succeeded. A false
// result can be spurious — callers needing certainty should issue a
// real command instead.
func (c *Client) Alive(ctx context.Context) bool {
	snap := c.holder.Load()
	m, ok := snap.PrimaryMember()
	if !ok {
		return false
	}
	p := c.pools.Get(m.Endpoint())
	sock, err := p.GetSocket(ctx, 0, false)
	if err != nil {
		return false
	}
	p.MaybeReturnSocket(0, sock)
	return true
}

// Close shuts the client down: the monitor is stopped with a bounded
// join, every pool is closed, and an empty snapshot is installed
// (spec.md §4.8 close()).
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.monitor.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(CloseTimeout):
		c.logger.Warn("monitor did not stop within close timeout")
	}

	c.pools.StopStatsLoop()
	c.pools.CloseAll()
	c.holder.Store(topology.Empty())
}

// Snapshot exposes the current topology view read-only, for callers
// building operational surfaces (internal/api) or tests.
func (c *Client) Snapshot() topology.Snapshot {
	return c.holder.Load()
}

// PoolStats returns a point-in-time view of every member pool, for the
// admin API and metrics stats loop.
func (c *Client) PoolStats() []pool.Stats {
	return c.pools.Stats()
}

// Holder exposes the client's topology.Holder so the admin API
// (internal/api) can read the live snapshot without a second,
// divergent source of truth.
func (c *Client) Holder() *topology.Holder {
	return c.holder
}

// Pools exposes the client's pool.Manager for the admin API's
// per-member stats endpoint.
func (c *Client) Pools() *pool.Manager {
	return c.pools
}

// Metrics exposes the client's Prometheus collector for wiring into
// the admin API's /metrics endpoint.
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Codec exposes the document codec this client was built with, for an
// application's query/update API surface collaborator (spec.md §1) to
// encode commands the same way the driver encodes its own handshakes.
func (c *Client) Codec() wire.Codec {
	return c.codec
}

// ScheduleRefresh wakes the monitor immediately rather than waiting out
// the rest of its interval, coalescing with any refresh already in
// flight (spec.md §4.6). The monitor is started lazily by the first
// routed operation (spec.md §4.7 step 1); calling this before any Send
// has no effect until that happens.
func (c *Client) ScheduleRefresh() {
	c.monitor.ScheduleRefresh()
}
