package pool

import (
	"sync"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
)

// Manager owns one MemberPool per known endpoint. RequestIDs come from
// the package-level NextRequestID, so callers can start a request once
// and see affinity honored consistently across every member pool it
// touches (spec.md §4.6).
type Manager struct {
	mu    sync.Mutex
	opts  Options
	pools map[string]*MemberPool

	statsStopCh   chan struct{}
	statsStopOnce sync.Once
}

// NewManager builds a Manager that creates pools with opts.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:        opts,
		pools:       make(map[string]*MemberPool),
		statsStopCh: make(chan struct{}),
	}
}

// StartStatsLoop runs cb against every known pool's Stats every
// interval, until StopStatsLoop runs (CloseAll does not stop it). Safe
// to call at most once per Manager.
func (m *Manager) StartStatsLoop(interval time.Duration, cb func(Stats)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.Stats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// StopStatsLoop ends the stats loop started by StartStatsLoop, if any.
// Safe to call more than once.
func (m *Manager) StopStatsLoop() {
	m.statsStopOnce.Do(func() { close(m.statsStopCh) })
}

// Get returns the pool for endpoint, creating it on first use.
func (m *Manager) Get(endpoint address.Endpoint) *MemberPool {
	key := endpoint.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return p
	}
	p := New(endpoint, m.opts)
	m.pools[key] = p
	return p
}

// Remove closes and forgets the pool for endpoint, if any (spec.md
// §4.5: members dropped from the set on refresh).
func (m *Manager) Remove(endpoint address.Endpoint) {
	key := endpoint.String()

	m.mu.Lock()
	p, ok := m.pools[key]
	if ok {
		delete(m.pools, key)
	}
	m.mu.Unlock()

	if ok {
		p.Close()
	}
}

// ResetAll invalidates every pool's sockets in place, e.g. on a
// replica set identity mismatch (spec.md §4.5).
func (m *Manager) ResetAll() {
	m.mu.Lock()
	pools := make([]*MemberPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.Reset()
	}
}

// CloseAll shuts every pool down permanently.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := make([]*MemberPool, 0, len(m.pools))
	for k, p := range m.pools {
		pools = append(pools, p)
		delete(m.pools, k)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

// Stats returns a point-in-time snapshot of every known pool.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}
