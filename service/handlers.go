package service

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gbsoft/fleetstream/connection"
	"github.com/gbsoft/fleetstream/health"
)

// routes assembles the ops mux. Health endpoints and the root info page are
// open; the fleet report and the metrics scrape sit behind the API key.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleInfo)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/report", s.requireAuth(http.HandlerFunc(s.handleReport)))
	if s.metrics != nil {
		mux.Handle("/metrics", s.requireAuth(promhttp.HandlerFor(
			s.metrics.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		)))
	}
	return s.withRequestID(s.logRequests(mux))
}

// handleInfo identifies the service. The root pattern catches every path the
// mux has no handler for, so anything but "/" itself is a 404.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":     s.cfg.ServiceName,
		"version":     s.cfg.Version,
		"environment": s.cfg.Environment,
		"endpoints":   []string{"/healthz", "/readyz", "/metrics", "/report"},
	})
}

// handleHealthz returns the aggregated service health. Unhealthy maps to 503;
// degraded stays 200 with the detail in the body.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	agg := s.aggregate()
	code := http.StatusOK
	if agg.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, agg)
}

// handleReadyz is the readiness probe: READY unless the aggregate is
// unhealthy.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.aggregate().IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

// handleReport returns the fleet report: the monitor's latest periodic one,
// or a fresh snapshot before the first tick.
func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	if s.fleet == nil {
		http.Error(w, "fleet monitor not configured", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.fleetReport())
}

// aggregate folds the tracked component statuses and the fleet report into
// one service-level status. Component statuses come out in name order so the
// response body is stable.
func (s *Server) aggregate() health.Status {
	var subs []health.Status
	if s.health != nil {
		for _, name := range s.health.ListComponents() {
			if status, ok := s.health.Get(name); ok {
				subs = append(subs, status)
			}
		}
	}
	if s.fleet != nil {
		subs = append(subs, s.fleetStatus(s.fleetReport()))
	}
	return health.Aggregate(s.cfg.ServiceName, subs)
}

// fleetReport returns the monitor's latest report, computing one on demand
// before the first tick.
func (s *Server) fleetReport() *connection.FleetReport {
	if report := s.fleet.Latest(); report != nil {
		return report
	}
	return s.fleet.Report()
}

// fleetStatus condenses a fleet report into one sub-status
func (s *Server) fleetStatus(report *connection.FleetReport) health.Status {
	if report.CriticalIssues {
		return health.NewUnhealthy("fleet",
			fmt.Sprintf("critical: %d of %d connections up, %d errored",
				report.ConnectedCount, report.TotalServices, report.ErroredCount))
	}
	return health.NewHealthy("fleet",
		fmt.Sprintf("%d of %d connections up", report.ConnectedCount, report.TotalServices))
}

// writeJSON writes v with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
