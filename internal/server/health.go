package server

import (
	"net/http"

	"github.com/ecotiles/tileserv/internal/monitoring"
)

// handleHealthLight is the liveness probe: the process is up and
// serving; no dependencies are touched.
func (s *Server) handleHealthLight(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth is the readiness probe: every dependency is checked and
// anything short of fully healthy keeps traffic away.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Run(r.Context())

	code := http.StatusOK
	if report.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}
