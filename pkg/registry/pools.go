package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// PoolRegistry owns resource pool lifecycle. Pool names are unique; deletion
// is two-phase (mark TERMINATING, then remove) and refused while workers are
// still registered against the pool.
type PoolRegistry struct {
	store  storage.Store
	logger zerolog.Logger

	mu sync.Mutex // serializes name-uniqueness checks against writes
}

// NewPoolRegistry creates a pool registry backed by the given store.
func NewPoolRegistry(store storage.Store) *PoolRegistry {
	return &PoolRegistry{
		store:  store,
		logger: log.WithComponent("pool-registry"),
	}
}

// Create registers a new pool. The name must be a DNS label and unique.
func (r *PoolRegistry) Create(pool *types.ResourcePool) (*types.ResourcePool, error) {
	if err := types.ValidatePoolName(pool.Name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.GetPoolByName(pool.Name); err == nil {
		return nil, errors.Conflictf("pool name already in use: %s", pool.Name)
	} else if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}

	if pool.ID == "" {
		pool.ID = uuid.New().String()
	}
	if pool.Status == "" {
		pool.Status = types.PoolStatusActive
	}
	if pool.Type == "" {
		pool.Type = "static"
	}
	now := time.Now().UTC()
	pool.CreatedAt = now
	pool.UpdatedAt = now

	if err := r.store.CreatePool(pool); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("pool_id", pool.ID).
		Str("name", pool.Name).
		Str("type", pool.Type).
		Msg("Pool created")

	return pool, nil
}

// Get returns the pool with the given id.
func (r *PoolRegistry) Get(id string) (*types.ResourcePool, error) {
	return r.store.GetPool(id)
}

// GetByName returns the pool with the given name.
func (r *PoolRegistry) GetByName(name string) (*types.ResourcePool, error) {
	return r.store.GetPoolByName(name)
}

// List returns all pools.
func (r *PoolRegistry) List() ([]*types.ResourcePool, error) {
	return r.store.ListPools()
}

// ListActive returns pools eligible for placement.
func (r *PoolRegistry) ListActive() ([]*types.ResourcePool, error) {
	pools, err := r.store.ListPools()
	if err != nil {
		return nil, err
	}
	return lo.Filter(pools, func(p *types.ResourcePool, _ int) bool {
		return p.Status == types.PoolStatusActive
	}), nil
}

// Update replaces a pool definition. Renames keep the uniqueness guarantee.
func (r *PoolRegistry) Update(pool *types.ResourcePool) (*types.ResourcePool, error) {
	if err := types.ValidatePoolName(pool.Name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.store.GetPool(pool.ID)
	if err != nil {
		return nil, err
	}

	if pool.Name != current.Name {
		if _, err := r.store.GetPoolByName(pool.Name); err == nil {
			return nil, errors.Conflictf("pool name already in use: %s", pool.Name)
		} else if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
	}

	pool.CreatedAt = current.CreatedAt
	pool.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdatePool(pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// UpdateQuotas replaces just the quota block of a pool.
func (r *PoolRegistry) UpdateQuotas(id string, quotas types.PoolQuotas) (*types.ResourcePool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, err := r.store.GetPool(id)
	if err != nil {
		return nil, err
	}

	pool.Quotas = quotas
	pool.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdatePool(pool); err != nil {
		return nil, err
	}

	r.logger.Info().Str("pool_id", id).Msg("Pool quotas updated")
	return pool, nil
}

// SetStatus moves a pool to the given status.
func (r *PoolRegistry) SetStatus(id string, status types.PoolStatus) (*types.ResourcePool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, err := r.store.GetPool(id)
	if err != nil {
		return nil, err
	}

	pool.Status = status
	pool.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdatePool(pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// Delete removes a pool. The pool is marked TERMINATING first, then removed
// together with its usage snapshot. Refused while any worker still carries
// the pool id.
func (r *PoolRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, err := r.store.GetPool(id)
	if err != nil {
		return err
	}

	workers, err := r.store.ListWorkersByPool(id)
	if err != nil {
		return err
	}
	if len(workers) > 0 {
		return errors.BusinessRulef("pool %s is busy: %d workers still registered", pool.Name, len(workers))
	}

	pool.Status = types.PoolStatusTerminating
	pool.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdatePool(pool); err != nil {
		return err
	}

	if err := r.store.DeletePool(id); err != nil {
		return err
	}
	if err := r.store.DeleteUsage(id); err != nil {
		return err
	}

	r.logger.Info().
		Str("pool_id", id).
		Str("name", pool.Name).
		Msg("Pool deleted")

	return nil
}
