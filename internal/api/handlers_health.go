package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp    time.Time              `json:"timestamp"`
	InstanceID   string                 `json:"instance_id,omitempty"`
	Uptime       int64                  `json:"uptime_seconds"`
	Version      string                 `json:"version,omitempty"`
	Dependencies map[string]DepHealth   `json:"dependencies"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
}

// DepHealth represents the health of a dependency.
type DepHealth struct {
	Status  string `json:"status"` // "healthy", "unhealthy"
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"`
}

// Version is stamped at build time with -ldflags "-X ...api.Version=x.y.z".
var Version = "dev"

var (
	startTime  = time.Now()
	instanceID = getInstanceID()
)

// handleHealthLive handles GET /health/live - Kubernetes liveness probe.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleHealthReady handles GET /health/ready - Kubernetes readiness probe.
// Every registered dependency must answer.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := s.checkDependencies(ctx)
	ready := overall(deps) == "healthy"

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]interface{}{
		"ready":        ready,
		"timestamp":    time.Now().Format(time.RFC3339),
		"dependencies": deps,
	})
}

// handleHealthDetail handles GET /health - Detailed health information.
func (s *Server) handleHealthDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	deps := s.checkDependencies(ctx)
	overallStatus := overall(deps)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := HealthStatus{
		Status:       overallStatus,
		Timestamp:    time.Now(),
		InstanceID:   instanceID,
		Uptime:       int64(time.Since(startTime).Seconds()),
		Version:      Version,
		Dependencies: deps,
		Metrics: map[string]interface{}{
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": mem.Alloc,
			"memory_sys":   mem.Sys,
			"gc_runs":      mem.NumGC,
			"cpu_cores":    runtime.NumCPU(),
		},
	}

	httpStatus := http.StatusOK
	if overallStatus != "healthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	s.respondJSON(w, httpStatus, status)
}

// checkDependencies runs every registered probe.
func (s *Server) checkDependencies(ctx context.Context) map[string]DepHealth {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make(map[string]DepHealth, len(names))
	for _, name := range names {
		start := time.Now()
		if err := s.checks[name](ctx); err != nil {
			deps[name] = DepHealth{
				Status:  "unhealthy",
				Message: err.Error(),
				Latency: time.Since(start).Milliseconds(),
			}
			continue
		}
		deps[name] = DepHealth{
			Status:  "healthy",
			Message: "connected",
			Latency: time.Since(start).Milliseconds(),
		}
	}
	return deps
}

func overall(deps map[string]DepHealth) string {
	for _, d := range deps {
		if d.Status != "healthy" {
			return "unhealthy"
		}
	}
	return "healthy"
}

// Helper functions

func getInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return hostname
}
