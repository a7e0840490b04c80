// Package health exposes a JSON health-report HTTP surface over the
// Connection Manager's per-PoolKey Health()/AllMetadata() introspection:
// /health, /health/ready and /health/live endpoints reporting
// ComponentHealth/Report documents driven by whatever PoolKeys are
// currently active in the Manager, rather than a hardcoded backend list.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/manager"
)

// Status is the coarse healthy/unhealthy vocabulary reported per component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the per-PoolKey health entry.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health document.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components []ComponentHealth `json:"components"`
}

// Checker drives the health HTTP surface off of a Manager.
type Checker struct {
	mgr *manager.Manager
}

// NewChecker constructs a Checker over mgr.
func NewChecker(mgr *manager.Manager) *Checker {
	return &Checker{mgr: mgr}
}

// Check reports health for every currently active PoolKey: true iff its
// breaker is not OPEN. A freshly started manager with no active PoolKeys
// reports healthy with zero components.
func (c *Checker) Check(_ context.Context) *Report {
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	for key, meta := range c.mgr.AllMetadata() {
		start := time.Now()
		healthy := c.mgr.Health(key)
		latency := time.Since(start)

		comp := ComponentHealth{Name: key.String(), Latency: latency.String()}
		if healthy {
			comp.Status = StatusHealthy
			comp.Message = fmt.Sprintf("queries=%d errors=%d", meta.QueryCount(), meta.ErrorCount())
		} else {
			comp.Status = StatusUnhealthy
			comp.Message = "circuit breaker open"
			report.Status = StatusUnhealthy
		}
		report.Components = append(report.Components, comp)
	}

	return report
}

// ServeHTTP stands up the health HTTP server on addr, mirroring the
// teacher's three-endpoint shape.
func (c *Checker) ServeHTTP(addr string) *http.Server {
	mux := http.NewServeMux()

	writeReport := func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}

	mux.HandleFunc("/health", writeReport)
	mux.HandleFunc("/health/ready", writeReport)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("health: HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health: HTTP server error")
		}
	}()

	return server
}
