package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/types"
)

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	var (
		execs []*types.Execution
		err   error
	)
	if jobID := r.URL.Query().Get("jobId"); jobID != "" {
		execs, err = s.store.ListExecutionsByJob(jobID)
	} else {
		execs, err = s.store.ListExecutions()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := execs[:0]
		for _, e := range execs {
			if string(e.State) == state {
				filtered = append(filtered, e)
			}
		}
		execs = filtered
	}
	if execs == nil {
		execs = []*types.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleCancelExecution asks the engine to stop the execution. Repeating
// the cancel after the execution is terminal succeeds without effect.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via api"
	}
	if err := s.engine.Cancel(id, reason); err != nil {
		s.writeError(w, r, err)
		return
	}

	exec, err := s.store.GetExecution(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// handleExecutionLogs serves captured log chunks. The default response is
// the JSON update list; ?raw=true concatenates the chunk bytes in capture
// order for terminal-friendly reading.
func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := s.engine.Logs(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		for _, chunk := range logs {
			_, _ = w.Write(chunk.Content)
		}
		return
	}

	if logs == nil {
		logs = []types.ExecutionUpdate{}
	}
	writeJSON(w, http.StatusOK, logs)
}
