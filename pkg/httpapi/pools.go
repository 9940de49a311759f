package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

// resolvePool accepts either a pool id or a pool name.
func (s *Server) resolvePool(idOrName string) (*types.ResourcePool, error) {
	pool, err := s.pools.Get(idOrName)
	if err == nil {
		return pool, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	return s.pools.GetByName(idOrName)
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	pool, err := s.pools.Create(req.toPool())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/pools/"+pool.ID)
	writeJSON(w, http.StatusCreated, pool)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.pools.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pools == nil {
		pools = []*types.ResourcePool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.resolvePool(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.resolvePool(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.pools.Delete(pool.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateQuotas(w http.ResponseWriter, r *http.Request) {
	var quotas types.PoolQuotas
	if err := s.decode(r, &quotas); err != nil {
		s.writeError(w, r, err)
		return
	}

	pool, err := s.resolvePool(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.pools.UpdateQuotas(pool.ID, quotas)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePoolUsage(w http.ResponseWriter, r *http.Request) {
	pool, err := s.resolvePool(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	usage, err := s.ledger.Usage(pool.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, poolUsageResponse{
		PoolID:   pool.ID,
		PoolName: pool.Name,
		Usage:    usage,
		Quotas:   pool.Quotas,
	})
}

// handlePoolViolations reports quota dimensions where usage exceeds the
// limit. The path parameter is the pool name; ids are accepted too.
func (s *Server) handlePoolViolations(w http.ResponseWriter, r *http.Request) {
	pool, err := s.resolvePool(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	violations, err := s.ledger.Violations(pool.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if violations == nil {
		violations = []string{}
	}
	writeJSON(w, http.StatusOK, poolViolationsResponse{
		PoolID:     pool.ID,
		PoolName:   pool.Name,
		Violations: violations,
	})
}
