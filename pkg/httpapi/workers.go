package httpapi

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/types"
)

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	var workers []*types.Worker
	if poolID := r.URL.Query().Get("poolId"); poolID != "" {
		workers = s.workers.ListByPool(poolID)
	} else {
		workers = s.workers.List()
	}

	// Session tokens never leave the stream layer.
	for _, worker := range workers {
		worker.SessionToken = ""
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	if workers == nil {
		workers = []*types.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// handleDrainWorker marks the worker TERMINATING. Its active execution is
// allowed to finish; the registry evicts the worker afterwards.
func (s *Server) handleDrainWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.workers.Drain(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	worker, err := s.workers.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	worker.SessionToken = ""
	writeJSON(w, http.StatusAccepted, worker)
}
