// Package metrics implements the driver's Prometheus collector,
// adapted from the teacher's per-tenant gauge/histogram set to the
// replica set driver's own signals: per-member pool occupancy,
// topology refresh timing, primary changes, ping averages, and
// selection retries (spec.md ambient observability).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the driver exports.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	memberHealth *prometheus.GaugeVec
	pingAvgMs    *prometheus.GaugeVec

	refreshDuration *prometheus.HistogramVec
	refreshErrors   *prometheus.CounterVec
	primaryChanges  prometheus.Counter

	selectionRetries *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry. Safe to
// call more than once — each call owns an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rsdriver_connections_active",
				Help: "Number of sockets checked out of a member's pool",
			},
			[]string{"member"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rsdriver_connections_idle",
				Help: "Number of idle sockets held by a member's pool",
			},
			[]string{"member"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rsdriver_connections_waiting",
				Help: "Number of callers waiting for a socket to a member",
			},
			[]string{"member"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsdriver_pool_exhausted_total",
				Help: "Stats ticks that saw a member's pool with waiters and every permit in use",
			},
			[]string{"member"},
		),
		memberHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rsdriver_member_up",
				Help: "Whether a member is currently marked up (1) or down (0)",
			},
			[]string{"member", "role"},
		),
		pingAvgMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rsdriver_member_ping_avg_milliseconds",
				Help: "Rolling average round-trip time to a member",
			},
			[]string{"member"},
		),
		refreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rsdriver_topology_refresh_duration_seconds",
				Help:    "Duration of a full topology refresh cycle",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"outcome"},
		),
		refreshErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsdriver_topology_refresh_errors_total",
				Help: "Topology refresh failures by error kind",
			},
			[]string{"kind"},
		),
		primaryChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rsdriver_primary_changes_total",
				Help: "Times the observed primary endpoint changed",
			},
		),
		selectionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsdriver_selection_retries_total",
				Help: "Times member selection had to retry after a failed attempt",
			},
			[]string{"mode"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsWaiting,
		c.poolExhausted,
		c.memberHealth,
		c.pingAvgMs,
		c.refreshDuration,
		c.refreshErrors,
		c.primaryChanges,
		c.selectionRetries,
	)

	return c
}

// UpdatePoolStats sets the gauge triple for one member's pool.
func (c *Collector) UpdatePoolStats(member string, active, idle, waiting int) {
	c.connectionsActive.WithLabelValues(member).Set(float64(active))
	c.connectionsIdle.WithLabelValues(member).Set(float64(idle))
	c.connectionsWaiting.WithLabelValues(member).Set(float64(waiting))
}

// PoolExhausted increments the pool-exhausted counter for member.
func (c *Collector) PoolExhausted(member string) {
	c.poolExhausted.WithLabelValues(member).Inc()
}

// SetMemberHealth records whether member (in its given role) is up.
func (c *Collector) SetMemberHealth(member, role string, up bool) {
	val := 0.0
	if up {
		val = 1.0
	}
	c.memberHealth.WithLabelValues(member, role).Set(val)
}

// SetPingAvg records a member's current rolling ping average.
func (c *Collector) SetPingAvg(member string, avg time.Duration) {
	c.pingAvgMs.WithLabelValues(member).Set(float64(avg.Milliseconds()))
}

// RefreshCompleted records one topology refresh cycle's duration and
// outcome ("ok" or "error").
func (c *Collector) RefreshCompleted(d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.refreshDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RefreshError increments the refresh-error counter for the given
// error kind (e.g. "configuration error", "auto-reconnect").
func (c *Collector) RefreshError(kind string) {
	c.refreshErrors.WithLabelValues(kind).Inc()
}

// PrimaryChanged increments the primary-change counter.
func (c *Collector) PrimaryChanged() {
	c.primaryChanges.Inc()
}

// SelectionRetried increments the retry counter for a read mode.
func (c *Collector) SelectionRetried(mode string) {
	c.selectionRetries.WithLabelValues(mode).Inc()
}

// RemoveMember drops every per-member series for an endpoint that has
// left the set (spec.md §4.5: members dropped from the set on refresh).
func (c *Collector) RemoveMember(member string) {
	c.connectionsActive.DeleteLabelValues(member)
	c.connectionsIdle.DeleteLabelValues(member)
	c.connectionsWaiting.DeleteLabelValues(member)
	c.poolExhausted.DeleteLabelValues(member)
	c.memberHealth.DeletePartialMatch(prometheus.Labels{"member": member})
	c.pingAvgMs.DeleteLabelValues(member)
}
