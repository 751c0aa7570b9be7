package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResponse is the body of /health.
type HealthCheckResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   VersionInfo            `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks"`
	System    SystemInfo             `json:"system"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HealthCheck represents an individual health check
type HealthCheck struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked string       `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// SystemInfo contains system information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	GOMAXPROCS    int    `json:"gomaxprocs"`
	MemoryAlloc   uint64 `json:"memory_alloc_bytes"`
	MemoryTotal   uint64 `json:"memory_total_bytes"`
	MemorySys     uint64 `json:"memory_sys_bytes"`
	GCCycles      uint32 `json:"gc_cycles"`
}

// MetricsResponse reports live matches and domain call counters.
type MetricsResponse struct {
	Timestamp string                            `json:"timestamp"`
	Version   string                            `json:"version"`
	Uptime    string                            `json:"uptime"`
	System    SystemInfo                        `json:"system"`
	Matches   int                               `json:"matches"`
	Viewers   int                               `json:"viewers"`
	Stages    map[ugc.Stage]executor.StageStats `json:"stages"`
	RequestID string                            `json:"request_id,omitempty"`
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]HealthCheck{
		"database": s.checkDatabaseHealth(r.Context()),
		"matches":  s.checkMatchesHealth(),
	}

	overall := HealthStatusHealthy
	for _, c := range checks {
		switch c.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	status := http.StatusOK
	if overall == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthCheckResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   GetVersionInfo(),
		Uptime:    time.Since(s.startTime).String(),
		Checks:    checks,
		System:    systemInfo(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// GET /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	matches := s.registry.List()
	viewers := 0
	for _, m := range matches {
		viewers += m.Viewers()
	}
	writeJSON(w, http.StatusOK, MetricsResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		Uptime:    time.Since(s.startTime).String(),
		System:    systemInfo(),
		Matches:   len(matches),
		Viewers:   viewers,
		Stages:    s.registry.Stats(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *Server) checkDatabaseHealth(ctx context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{Status: HealthStatusHealthy, Message: "Database connection healthy"}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if s.store == nil {
		check.Status, check.Message = HealthStatusUnhealthy, "Database not initialized"
	} else if err := s.store.Ping(ctx); err != nil {
		check.Status, check.Message = HealthStatusUnhealthy, "Database ping failed: "+err.Error()
	}

	check.LastChecked = time.Now().UTC().Format(time.RFC3339)
	check.Duration = time.Since(start).String()
	return check
}

// checkMatchesHealth degrades when any live domain has hit its call timeout.
func (s *Server) checkMatchesHealth() HealthCheck {
	start := time.Now()
	matches := s.registry.List()
	check := HealthCheck{Status: HealthStatusHealthy, Message: fmt.Sprintf("%d live matches", len(matches))}

	timeouts := 0
	for _, st := range s.registry.Stats() {
		timeouts += st.Failures[ugc.ErrorTimeout]
	}
	if timeouts > 0 {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("%d live matches, %d domain timeouts", len(matches), timeouts)
	}

	check.LastChecked = time.Now().UTC().Format(time.RFC3339)
	check.Duration = time.Since(start).String()
	return check
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		MemoryAlloc:   m.Alloc,
		MemoryTotal:   m.TotalAlloc,
		MemorySys:     m.Sys,
		GCCycles:      m.NumGC,
	}
}
