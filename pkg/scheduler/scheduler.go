package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/monitor"
	"github.com/droverhq/drover/pkg/placement"
	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/types"
)

// Scheduler answers "which pool should run this job". It composes the pool
// registry, the per-pool-type monitors, the quota ledger, and the placement
// strategies into one placement pipeline.
type Scheduler struct {
	pools      *registry.PoolRegistry
	ledger     *registry.Ledger
	monitors   *monitor.Registry
	strategies *placement.Registry
	logger     zerolog.Logger
}

// New creates a scheduler over the given registries.
func New(pools *registry.PoolRegistry, ledger *registry.Ledger, monitors *monitor.Registry, strategies *placement.Registry) *Scheduler {
	return &Scheduler{
		pools:      pools,
		ledger:     ledger,
		monitors:   monitors,
		strategies: strategies,
		logger:     log.WithComponent("scheduler"),
	}
}

// ValidateStrategy rejects strategy names with no registered
// implementation. Empty resolves to the default.
func (s *Scheduler) ValidateStrategy(name string) error {
	_, err := s.strategies.For(name)
	return err
}

// FindPlacement picks a pool for the job using its named strategy (or the
// default). Pools are dropped from consideration when their monitor fails or
// when admission rejects the job's requirements; the strategy sees only
// viable candidates.
func (s *Scheduler) FindPlacement(ctx context.Context, job *types.Job) (*types.ResourcePool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	strategy, err := s.strategies.For(job.Strategy)
	if err != nil {
		metrics.PlacementFailures.Inc()
		return nil, err
	}

	reqs, err := quantity.ParseRequirements(job.ResourceRequirements)
	if err != nil {
		metrics.PlacementFailures.Inc()
		return nil, err
	}

	active, err := s.pools.ListActive()
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		metrics.PlacementFailures.Inc()
		return nil, errors.InsufficientResourcesf("no active resource pools")
	}

	candidates := make([]*types.Candidate, 0, len(active))
	for _, pool := range active {
		mon, err := s.monitors.For(pool.Type)
		if err != nil {
			s.logger.Warn().
				Str("pool_id", pool.ID).
				Str("type", pool.Type).
				Msg("No monitor for pool type, skipping pool")
			continue
		}

		util, err := mon.GetUtilization(ctx, pool)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("pool_id", pool.ID).
				Msg("Utilization probe failed, skipping pool")
			continue
		}

		admission, err := s.ledger.Check(pool.ID, reqs, 1)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("pool_id", pool.ID).
				Msg("Admission check failed, skipping pool")
			continue
		}
		if admission.Unavailable() {
			metrics.QuotaDenials.Inc()
			s.logger.Debug().
				Str("pool_id", pool.ID).
				Strs("limiting_factors", admission.LimitingFactors).
				Msg("Pool rejected by admission")
			continue
		}

		candidates = append(candidates, &types.Candidate{Pool: pool, Utilization: util})
	}

	pool, err := strategy.Select(job, candidates)
	if err != nil {
		metrics.PlacementFailures.Inc()
		return nil, err
	}

	metrics.PlacementDecisions.WithLabelValues(strategy.Name()).Inc()
	s.logger.Info().
		Str("job_id", job.ID).
		Str("pool_id", pool.ID).
		Str("pool_name", pool.Name).
		Str("strategy", strategy.Name()).
		Int("candidates", len(candidates)).
		Msg("Placement selected")

	return pool, nil
}
