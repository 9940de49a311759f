package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	job := req.toJob()
	exec, err := s.engine.Submit(job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, submitJobResponse{Job: job, Execution: exec})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels the job's latest execution. Cancelling a job
// that already reached a terminal status is a no-op success.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if types.IsTerminalJobStatus(job.Status) {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if job.LatestExecutionID == "" {
		s.writeError(w, r, errors.Conflictf("job %s has no execution to cancel", job.ID))
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via api"
	}
	if err := s.engine.Cancel(job.LatestExecutionID, reason); err != nil {
		s.writeError(w, r, err)
		return
	}

	if refreshed, err := s.store.GetJob(job.ID); err == nil {
		job = refreshed
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleDirectExecution refuses execution creation outside job submission.
func (s *Server) handleDirectExecution(w http.ResponseWriter, r *http.Request) {
	err := errors.WithCode(
		errors.BusinessRulef("executions are created by job submission, not directly"),
		errors.CodeDirectExecutionForbidden,
	)
	s.writeError(w, r, err)
}
