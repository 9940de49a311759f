package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestPoolCRUD tests pool create, read, update, delete round trips
func TestPoolCRUD(t *testing.T) {
	store := newTestStore(t)

	pool := &types.ResourcePool{
		ID:     "pool-1",
		Name:   "build-farm",
		Type:   "static",
		Status: types.PoolStatusActive,
		Quotas: types.PoolQuotas{
			MaxWorkers:        10,
			MaxConcurrentJobs: 5,
		},
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, store.CreatePool(pool))

	got, err := store.GetPool("pool-1")
	require.NoError(t, err)
	assert.Equal(t, "build-farm", got.Name)
	assert.Equal(t, types.PoolStatusActive, got.Status)
	assert.Equal(t, 10, got.Quotas.MaxWorkers)

	byName, err := store.GetPoolByName("build-farm")
	require.NoError(t, err)
	assert.Equal(t, "pool-1", byName.ID)

	// Update is an upsert
	pool.Status = types.PoolStatusTerminating
	require.NoError(t, store.UpdatePool(pool))
	got, err = store.GetPool("pool-1")
	require.NoError(t, err)
	assert.Equal(t, types.PoolStatusTerminating, got.Status)

	pools, err := store.ListPools()
	require.NoError(t, err)
	assert.Len(t, pools, 1)

	require.NoError(t, store.DeletePool("pool-1"))
	_, err = store.GetPool("pool-1")
	assert.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// TestGetPoolNotFound tests that missing pools surface as not-found errors
func TestGetPoolNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPool("missing")
	assert.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	_, err = store.GetPoolByName("missing")
	assert.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// TestWorkerCRUD tests worker persistence and pool filtering
func TestWorkerCRUD(t *testing.T) {
	store := newTestStore(t)

	w1 := &types.Worker{
		ID:     "worker-1",
		PoolID: "pool-a",
		Status: types.WorkerStatusIdle,
		Capabilities: types.WorkerCapabilities{
			CPUMillis:   4000,
			MemoryBytes: 8 * 1024 * 1024 * 1024,
		},
	}
	w2 := &types.Worker{
		ID:     "worker-2",
		PoolID: "pool-b",
		Status: types.WorkerStatusBusy,
	}

	require.NoError(t, store.CreateWorker(w1))
	require.NoError(t, store.CreateWorker(w2))

	got, err := store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), got.Capabilities.CPUMillis)

	all, err := store.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	poolA, err := store.ListWorkersByPool("pool-a")
	require.NoError(t, err)
	require.Len(t, poolA, 1)
	assert.Equal(t, "worker-1", poolA[0].ID)

	w1.Status = types.WorkerStatusOffline
	require.NoError(t, store.UpdateWorker(w1))
	got, err = store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, got.Status)

	require.NoError(t, store.DeleteWorker("worker-1"))
	_, err = store.GetWorker("worker-1")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// TestJobCRUD tests job persistence round trips
func TestJobCRUD(t *testing.T) {
	store := newTestStore(t)

	job := &types.Job{
		ID:         "job-1",
		Name:       "nightly-build",
		Priority:   types.PriorityHigh,
		Status:     types.JobStatusQueued,
		MaxRetries: 3,
		Spec: &types.JobSpec{
			Name: "nightly-build",
			Tasks: []types.Task{
				{Shell: &types.ShellTask{Command: "make all"}},
			},
		},
	}

	require.NoError(t, store.CreateJob(job))

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, got.Priority)
	require.NotNil(t, got.Spec)
	require.Len(t, got.Spec.Tasks, 1)
	assert.Equal(t, "make all", got.Spec.Tasks[0].Shell.Command)

	job.Status = types.JobStatusRunning
	job.RetryCount = 1
	require.NoError(t, store.UpdateJob(job))

	got, err = store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, store.DeleteJob("job-1"))
	_, err = store.GetJob("job-1")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// TestExecutionCRUD tests execution persistence and job filtering
func TestExecutionCRUD(t *testing.T) {
	store := newTestStore(t)

	e1 := &types.Execution{
		ID:     "exec-1",
		JobID:  "job-1",
		Status: types.ExecutionStatusPending,
		State:  types.ExecutionStateCreated,
	}
	e2 := &types.Execution{
		ID:     "exec-2",
		JobID:  "job-1",
		Status: types.ExecutionStatusRunning,
		State:  types.ExecutionStateStarted,
	}
	e3 := &types.Execution{
		ID:     "exec-3",
		JobID:  "job-2",
		Status: types.ExecutionStatusPending,
		State:  types.ExecutionStateCreated,
	}

	require.NoError(t, store.CreateExecution(e1))
	require.NoError(t, store.CreateExecution(e2))
	require.NoError(t, store.CreateExecution(e3))

	got, err := store.GetExecution("exec-2")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateStarted, got.State)

	byJob, err := store.ListExecutionsByJob("job-1")
	require.NoError(t, err)
	assert.Len(t, byJob, 2)

	all, err := store.ListExecutions()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	exitCode := 0
	e2.State = types.ExecutionStateCompleted
	e2.Status = types.ExecutionStatusSuccess
	e2.ExitCode = &exitCode
	require.NoError(t, store.UpdateExecution(e2))

	got, err = store.GetExecution("exec-2")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateCompleted, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	require.NoError(t, store.DeleteExecution("exec-1"))
	_, err = store.GetExecution("exec-1")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// TestUsagePersistence tests usage snapshot save and load per pool
func TestUsagePersistence(t *testing.T) {
	store := newTestStore(t)

	usage := &types.ResourceUsage{
		CPUMillis:   2500,
		MemoryBytes: 1024 * 1024 * 1024,
		JobsRunning: 3,
		JobsQueued:  7,
		Workers:     2,
	}

	require.NoError(t, store.SaveUsage("pool-1", usage))

	got, err := store.GetUsage("pool-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got.CPUMillis)
	assert.Equal(t, 3, got.JobsRunning)
	assert.Equal(t, 7, got.JobsQueued)

	_, err = store.GetUsage("pool-2")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	require.NoError(t, store.DeleteUsage("pool-1"))
	_, err = store.GetUsage("pool-1")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// TestDeleteIsIdempotent tests that deleting missing keys returns no error
func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.DeletePool("missing"))
	assert.NoError(t, store.DeleteWorker("missing"))
	assert.NoError(t, store.DeleteJob("missing"))
	assert.NoError(t, store.DeleteExecution("missing"))
	assert.NoError(t, store.DeleteUsage("missing"))
}

// TestPersistenceAcrossReopen tests that data survives a close and reopen
func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)

	job := &types.Job{ID: "job-1", Name: "persisted", Status: types.JobStatusQueued}
	require.NoError(t, store.CreateJob(job))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}
