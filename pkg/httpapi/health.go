package httpapi

import (
	"fmt"
	"net/http"
	"time"
)

// healthResponse answers /health and /health/live.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// readyResponse answers /health/ready with per-dependency detail.
type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealth reports liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.cfg.Version,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
	})
}

// handleReady reports readiness: every dependency must answer its probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if _, err := s.store.ListPools(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Storage not accessible"
	} else {
		checks["storage"] = "ok"
	}

	if s.engine == nil {
		checks["engine"] = "not initialized"
		ready = false
		if message == "" {
			message = "Engine not initialized"
		}
	} else {
		checks["engine"] = "ok"
	}

	for name, check := range s.readyChecks() {
		if err := check(); err != nil {
			checks[name] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = fmt.Sprintf("Check %s failed", name)
			}
		} else {
			checks[name] = "ok"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, readyResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
		Message:   message,
	})
}
