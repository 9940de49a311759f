package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

var (
	poolsBucket      = []byte("pools")
	workersBucket    = []byte("workers")
	jobsBucket       = []byte("jobs")
	executionsBucket = []byte("executions")
	usageBucket      = []byte("usage")
)

// BoltStore implements the Store interface using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.OperationFailed(err, "failed to create data directory")
	}

	dbPath := filepath.Join(dataDir, "drover.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.OperationFailed(err, "failed to open database")
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{poolsBucket, workersBucket, jobsBucket, executionsBucket, usageBucket}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.OperationFailed(err, "failed to create buckets")
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Pools

func (s *BoltStore) CreatePool(pool *types.ResourcePool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		data, err := json.Marshal(pool)
		if err != nil {
			return errors.OperationFailed(err, "failed to marshal pool")
		}
		return b.Put([]byte(pool.ID), data)
	})
}

func (s *BoltStore) GetPool(id string) (*types.ResourcePool, error) {
	var pool types.ResourcePool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return errors.NotFoundf("pool not found: %s", id)
		}
		return json.Unmarshal(data, &pool)
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) GetPoolByName(name string) (*types.ResourcePool, error) {
	var pool *types.ResourcePool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		return b.ForEach(func(k, v []byte) error {
			var p types.ResourcePool
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Name == name {
				pool = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.NotFoundf("pool not found: %s", name)
	}
	return pool, nil
}

func (s *BoltStore) ListPools() ([]*types.ResourcePool, error) {
	var pools []*types.ResourcePool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		return b.ForEach(func(k, v []byte) error {
			var pool types.ResourcePool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			pools = append(pools, &pool)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return pools, nil
}

// UpdatePool is the same as CreatePool (upsert)
func (s *BoltStore) UpdatePool(pool *types.ResourcePool) error {
	return s.CreatePool(pool)
}

func (s *BoltStore) DeletePool(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		return b.Delete([]byte(id))
	})
}

// Workers

func (s *BoltStore) CreateWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(workersBucket)
		data, err := json.Marshal(worker)
		if err != nil {
			return errors.OperationFailed(err, "failed to marshal worker")
		}
		return b.Put([]byte(worker.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(workersBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return errors.NotFoundf("worker not found: %s", id)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(workersBucket)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *BoltStore) ListWorkersByPool(poolID string) ([]*types.Worker, error) {
	all, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}
	var workers []*types.Worker
	for _, w := range all {
		if w.PoolID == poolID {
			workers = append(workers, w)
		}
	}
	return workers, nil
}

// UpdateWorker is the same as CreateWorker (upsert)
func (s *BoltStore) UpdateWorker(worker *types.Worker) error {
	return s.CreateWorker(worker)
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(workersBucket)
		return b.Delete([]byte(id))
	})
}

// Jobs

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		data, err := json.Marshal(job)
		if err != nil {
			return errors.OperationFailed(err, "failed to marshal job")
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return errors.NotFoundf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateJob is the same as CreateJob (upsert)
func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job)
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		return b.Delete([]byte(id))
	})
}

// Executions

func (s *BoltStore) CreateExecution(execution *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(executionsBucket)
		data, err := json.Marshal(execution)
		if err != nil {
			return errors.OperationFailed(err, "failed to marshal execution")
		}
		return b.Put([]byte(execution.ID), data)
	})
}

func (s *BoltStore) GetExecution(id string) (*types.Execution, error) {
	var execution types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(executionsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return errors.NotFoundf("execution not found: %s", id)
		}
		return json.Unmarshal(data, &execution)
	})
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (s *BoltStore) ListExecutions() ([]*types.Execution, error) {
	var executions []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(executionsBucket)
		return b.ForEach(func(k, v []byte) error {
			var execution types.Execution
			if err := json.Unmarshal(v, &execution); err != nil {
				return err
			}
			executions = append(executions, &execution)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *BoltStore) ListExecutionsByJob(jobID string) ([]*types.Execution, error) {
	all, err := s.ListExecutions()
	if err != nil {
		return nil, err
	}
	var executions []*types.Execution
	for _, e := range all {
		if e.JobID == jobID {
			executions = append(executions, e)
		}
	}
	return executions, nil
}

// UpdateExecution is the same as CreateExecution (upsert)
func (s *BoltStore) UpdateExecution(execution *types.Execution) error {
	return s.CreateExecution(execution)
}

func (s *BoltStore) DeleteExecution(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(executionsBucket)
		return b.Delete([]byte(id))
	})
}

// Usage

func (s *BoltStore) SaveUsage(poolID string, usage *types.ResourceUsage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usageBucket)
		data, err := json.Marshal(usage)
		if err != nil {
			return errors.OperationFailed(err, "failed to marshal usage")
		}
		return b.Put([]byte(poolID), data)
	})
}

func (s *BoltStore) GetUsage(poolID string) (*types.ResourceUsage, error) {
	var usage types.ResourceUsage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(usageBucket)
		data := b.Get([]byte(poolID))
		if data == nil {
			return errors.NotFoundf("usage not found for pool: %s", poolID)
		}
		return json.Unmarshal(data, &usage)
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (s *BoltStore) DeleteUsage(poolID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usageBucket)
		return b.Delete([]byte(poolID))
	})
}
