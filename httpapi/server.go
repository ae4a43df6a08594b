// Package httpapi exposes a read-only HTTP status surface over the
// resilience core: breaker states, degradation status, resource
// telemetry, quotas and applied allocations. A convenience, not a
// compatibility surface.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datapult/resilience/platform"
)

// Server serves the status API for one core instance.
type Server struct {
	core   *platform.Core
	logger *slog.Logger
	router *mux.Router
}

// NewServer builds the status API router. If gatherer is non-nil a
// Prometheus /metrics endpoint is mounted as well.
func NewServer(core *platform.Core, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		core:   core,
		logger: logger,
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/breakers", s.handleBreakers).Methods(http.MethodGet)
	s.router.HandleFunc("/degradation", s.handleDegradation).Methods(http.MethodGet)
	s.router.HandleFunc("/resources", s.handleResources).Methods(http.MethodGet)
	s.router.HandleFunc("/resources/trends", s.handleTrends).Methods(http.MethodGet)
	s.router.HandleFunc("/quotas/{component}", s.handleQuota).Methods(http.MethodGet)
	s.router.HandleFunc("/allocations", s.handleAllocations).Methods(http.MethodGet)
	s.router.HandleFunc("/allocations/{component}", s.handleComponentAllocations).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// Handler returns the HTTP handler for mounting into a server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs a blocking HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("Status API listening", slog.String("addr", addr))
	return srv.ListenAndServe()
}

// statusSummary is the aggregate view served at /status
type statusSummary struct {
	DegradationMode string            `json:"degradation_mode"`
	Breakers        map[string]string `json:"breakers"`
	ActiveAlerts    int               `json:"active_alerts"`
	UnderPressure   bool              `json:"under_pressure"`
	Timestamp       time.Time         `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	states := s.core.Breakers.States()
	breakers := make(map[string]string, len(states))
	for name, state := range states {
		breakers[name] = state.String()
	}

	s.writeJSON(w, statusSummary{
		DegradationMode: s.core.Degradation.GetMode().String(),
		Breakers:        breakers,
		ActiveAlerts:    len(s.core.Monitor.ActiveAlerts()),
		UnderPressure:   s.core.Monitor.UnderPressure(),
		Timestamp:       time.Now(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.core.Breakers.Statuses())
}

func (s *Server) handleDegradation(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.core.Degradation.GetStatus())
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	current := s.core.Monitor.GetCurrentMetrics()
	if current == nil {
		http.Error(w, "no telemetry collected yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"current": current,
		"alerts":  s.core.Monitor.ActiveAlerts(),
	})
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	minutes := 15
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			minutes = v
		}
	}
	s.writeJSON(w, s.core.Monitor.GetTrends(minutes))
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["component"]
	quota, ok := s.core.Adaptive.GetQuota(name)
	if !ok {
		http.Error(w, "unknown component", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{"quota": quota}
	if demand, ok := s.core.Adaptive.GetDemandPrediction(name); ok {
		resp["demand"] = demand
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":  s.core.Allocator.GetAllocationStatus(),
		"history": s.core.Allocator.History(),
	})
}

func (s *Server) handleComponentAllocations(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["component"]
	s.writeJSON(w, s.core.Allocator.GetComponentAllocations(name))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}
