// Package api implements the driver's admin HTTP surface: topology
// introspection, per-member detail, process status, health/readiness
// probes, and a Prometheus scrape endpoint, adapted from the teacher's
// tenant-CRUD REST server to a read-only view over the topology
// snapshot (spec.md ambient observability; no Non-goal excludes this
// surface since it is operational, not a driver feature).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbusdb/rsdriver/internal/config"
	"github.com/nimbusdb/rsdriver/internal/member"
	"github.com/nimbusdb/rsdriver/internal/metrics"
	"github.com/nimbusdb/rsdriver/internal/pool"
	"github.com/nimbusdb/rsdriver/internal/topology"
)

// Server is the driver's admin REST API and metrics endpoint.
type Server struct {
	holder     *topology.Holder
	poolMgr    *pool.Manager
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	apiCfg     config.APIConfig
}

// NewServer creates a new admin API server over holder and poolMgr.
// m may be nil, in which case /metrics serves Prometheus's default registry.
func NewServer(holder *topology.Holder, pm *pool.Manager, m *metrics.Collector, apiCfg config.APIConfig) *Server {
	return &Server{
		holder:    holder,
		poolMgr:   pm,
		metrics:   m,
		startTime: time.Now(),
		apiCfg:    apiCfg,
	}
}

// Start starts the HTTP API server on apiCfg.Bind:apiCfg.Port.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/topology", s.topologyHandler).Methods("GET")
	r.HandleFunc("/members/{endpoint}", s.memberHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	addr := fmt.Sprintf("%s:%d", s.apiCfg.Bind, s.apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Topology handlers ---

type memberView struct {
	Endpoint  string            `json:"endpoint"`
	State     string            `json:"state"`
	Up        bool              `json:"up"`
	Tags      map[string]string `json:"tags,omitempty"`
	PingMs    int64             `json:"ping_ms,omitempty"`
	HasPingMs bool              `json:"has_ping_ms"`
}

func newMemberView(m member.Member) memberView {
	ping, hasPing := m.PingMillis()
	return memberView{
		Endpoint:  m.EndpointString(),
		State:     stateString(m),
		Up:        m.Up(),
		Tags:      m.Tags(),
		PingMs:    ping,
		HasPingMs: hasPing,
	}
}

func stateString(m member.Member) string {
	switch {
	case m.IsPrimary():
		return "primary"
	case m.IsSecondary():
		return "secondary"
	default:
		return "other"
	}
}

type topologyView struct {
	Writer    string       `json:"writer,omitempty"`
	HasWriter bool         `json:"has_writer"`
	LastError string       `json:"last_error,omitempty"`
	Members   []memberView `json:"members"`
}

func (s *Server) topologyHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.holder.Load()

	view := topologyView{LastError: snap.LastError()}
	if writer, ok := snap.Writer(); ok {
		view.Writer = writer.String()
		view.HasWriter = true
	}
	for _, m := range snap.Members() {
		view.Members = append(view.Members, newMemberView(m))
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) memberHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]

	snap := s.holder.Load()
	var found *memberView
	for _, m := range snap.Members() {
		if m.EndpointString() == endpoint {
			mv := newMemberView(m)
			found = &mv
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	resp := struct {
		memberView
		Stats *pool.Stats `json:"stats,omitempty"`
	}{memberView: *found}

	for _, stats := range s.poolMgr.Stats() {
		if stats.Endpoint.String() == endpoint {
			st := stats
			resp.Stats = &st
			break
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Status, health, readiness ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := s.holder.Load()
	uptime := time.Since(s.startTime).Seconds()
	writer, hasWriter := snap.Writer()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_members":    len(snap.Members()),
		"has_writer":     hasWriter,
		"writer":         writerOrEmpty(writer, hasWriter),
	})
}

func writerOrEmpty(writer fmt.Stringer, hasWriter bool) string {
	if !hasWriter {
		return ""
	}
	return writer.String()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.holder.Load()
	upCount := 0
	for _, m := range snap.Members() {
		if m.Up() {
			upCount++
		}
	}

	status := http.StatusOK
	if upCount == 0 {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":      boolToStatus(upCount > 0),
		"members_up":  upCount,
		"members":     len(snap.Members()),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.holder.Load()
	if _, ok := snap.Writer(); ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
