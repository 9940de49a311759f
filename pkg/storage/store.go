package storage

import (
	"github.com/droverhq/drover/pkg/types"
)

// Store defines the interface for orchestrator state storage.
// This is implemented by BoltDB-backed storage.
type Store interface {
	// Pools
	CreatePool(pool *types.ResourcePool) error
	GetPool(id string) (*types.ResourcePool, error)
	GetPoolByName(name string) (*types.ResourcePool, error)
	ListPools() ([]*types.ResourcePool, error)
	UpdatePool(pool *types.ResourcePool) error
	DeletePool(id string) error

	// Workers
	CreateWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	ListWorkersByPool(poolID string) ([]*types.Worker, error)
	UpdateWorker(worker *types.Worker) error
	DeleteWorker(id string) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Executions
	CreateExecution(execution *types.Execution) error
	GetExecution(id string) (*types.Execution, error)
	ListExecutions() ([]*types.Execution, error)
	ListExecutionsByJob(jobID string) ([]*types.Execution, error)
	UpdateExecution(execution *types.Execution) error
	DeleteExecution(id string) error

	// Usage snapshots (per pool)
	SaveUsage(poolID string, usage *types.ResourceUsage) error
	GetUsage(poolID string) (*types.ResourceUsage, error)
	DeleteUsage(poolID string) error

	// Utility
	Close() error
}
