// Package monitor implements the background refresh loop (spec.md C6):
// one goroutine per client that periodically rebuilds the topology
// snapshot and lets callers request an out-of-band refresh and wait for
// it to land.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbusdb/rsdriver/internal/errs"
	"github.com/nimbusdb/rsdriver/internal/topology"
)

// DefaultRefreshInterval is spec.md §4.6's 30-second periodic refresh.
const DefaultRefreshInterval = 30 * time.Second

// Refresher is the narrow view of internal/discover.Refresher the
// monitor needs, so tests can fake it without spinning up real sockets.
type Refresher interface {
	Refresh(ctx context.Context, prior topology.Snapshot) (topology.Snapshot, error)
}

// Monitor runs Refresher.Refresh on a timer and on demand, installing
// every successful result into holder (spec.md §4.6). It is grounded on
// the teacher's health.Checker start/stop/WaitGroup idiom, generalized
// from a fixed ticker to the wake/refreshed coalescing event pair the
// spec calls for.
type Monitor struct {
	holder    *topology.Holder
	refresher Refresher
	interval  time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	woken   bool
	epoch   uint64
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// onRefresh, when set, is called after every refresh attempt
	// (successful or not) with the outcome, so callers can drive
	// observability (internal/metrics) without the monitor importing
	// it directly.
	onRefresh func(next topology.Snapshot, err error, d time.Duration)
}

// SetOnRefresh installs a callback invoked after every refresh cycle.
// Optional; must be called before Start to avoid a race with run().
func (m *Monitor) SetOnRefresh(fn func(next topology.Snapshot, err error, d time.Duration)) {
	m.onRefresh = fn
}

// New builds a Monitor. interval <= 0 uses DefaultRefreshInterval.
func New(holder *topology.Holder, refresher Refresher, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	m := &Monitor{
		holder:    holder,
		refresher: refresher,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the monitor loop. Safe to call once.
func (m *Monitor) Start() {
	slog.Info("topology monitor starting", "interval", m.interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
}

// Stop signals the loop to exit and waits for it. Safe to call more
// than once, and safe to call before Start returns — the running loop
// will observe stopped on its next wake.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		slog.Info("topology monitor stopping")
		close(m.stopCh)
		m.mu.Lock()
		m.stopped = true
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	m.wg.Wait()
}

// ScheduleRefresh wakes the loop immediately rather than waiting out
// the rest of the current interval. Concurrent callers coalesce into
// whichever refresh the loop is about to run next (spec.md §4.6).
func (m *Monitor) ScheduleRefresh() {
	m.mu.Lock()
	m.woken = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// WaitForRefresh blocks until at least one refresh cycle completes
// after the call (success or swallowed auto-reconnect both count), or
// timeout elapses. Returns false on timeout or if the monitor has
// stopped without completing one.
func (m *Monitor) WaitForRefresh(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.epoch + 1
	deadline := time.Now().Add(timeout)
	for m.epoch < target && !m.stopped {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		m.cond.Wait()
		timer.Stop()
	}
	return m.epoch >= target
}

func (m *Monitor) run() {
	for {
		m.mu.Lock()
		deadline := time.Now().Add(m.interval)
		for !m.stopped && !m.woken && time.Now().Before(deadline) {
			timer := time.AfterFunc(time.Until(deadline), func() {
				m.mu.Lock()
				m.cond.Broadcast()
				m.mu.Unlock()
			})
			m.cond.Wait()
			timer.Stop()
		}
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.woken = false
		m.mu.Unlock()

		m.refreshOnce()
	}
}

func (m *Monitor) refreshOnce() {
	defer func() {
		m.mu.Lock()
		m.epoch++
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	prior := m.holder.Load()
	start := time.Now()
	next, err := m.refresher.Refresh(context.Background(), prior)
	if m.onRefresh != nil {
		m.onRefresh(next, err, time.Since(start))
	}
	if err != nil {
		if errs.Is(err, errs.AutoReconnect) {
			return
		}
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.holder.Store(next)
}
