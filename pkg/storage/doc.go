/*
Package storage provides BoltDB-backed state persistence for Drover's orchestrator data.

The storage package implements the Store interface using BoltDB as the underlying
database, providing ACID transactions for orchestrator state including resource
pools, workers, jobs, executions, and per-pool usage snapshots. All data is
serialized as JSON and stored in separate buckets for efficient querying and
isolation.

# Architecture

Drover uses BoltDB (bbolt) for embedded, transactional storage with zero external
dependencies:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/drover.db                │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ pools        (Pool ID)     │             │          │
	│  │  │ workers      (Worker ID)   │             │          │
	│  │  │ jobs         (Job ID)      │             │          │
	│  │  │ executions   (Execution ID)│             │          │
	│  │  │ usage        (Pool ID)     │             │          │
	│  │  └────────────────────────────┘             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - Concurrent reads       │          │
	│  │  - Write: db.Update() - Serialized writes   │          │
	│  │  - Rollback: Automatic on error             │          │
	│  │  - Commit: Automatic on success + fsync     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          JSON Serialization                  │          │
	│  │  - Marshal: Go struct → JSON bytes          │          │
	│  │  - Unmarshal: JSON bytes → Go struct        │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

BoltStore:
  - Implements Store interface using BoltDB
  - Single database file per orchestrator
  - Automatic bucket creation on initialization
  - Thread-safe via BoltDB's transaction model

Buckets:
  - pools: Resource pool definitions and quotas
  - workers: Worker registrations and capabilities
  - jobs: Submitted jobs with retry bookkeeping
  - executions: Execution attempts and their lifecycle state
  - usage: Last persisted resource usage snapshot per pool

Transaction Model:
  - Read transactions: db.View() - Concurrent, consistent snapshots
  - Write transactions: db.Update() - Serialized, atomic commits
  - Isolation: Snapshot isolation (MVCC)
  - Durability: fsync on commit ensures crash recovery

# Usage

Creating a Store:

	store, err := storage.NewBoltStore("/var/lib/drover")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

Pool Operations:

	pool := &types.ResourcePool{
		ID:     "pool-abc123",
		Name:   "build-farm",
		Type:   "static",
		Status: types.PoolStatusActive,
	}
	err := store.CreatePool(pool)

	// Get by ID or name
	pool, err := store.GetPool("pool-abc123")
	pool, err := store.GetPoolByName("build-farm")

	// List, update, delete
	pools, err := store.ListPools()
	pool.Status = types.PoolStatusTerminating
	err = store.UpdatePool(pool)
	err = store.DeletePool("pool-abc123")

Job and Execution Operations:

	job := &types.Job{
		ID:       "job-xyz789",
		Name:     "nightly-build",
		Priority: types.PriorityHigh,
		Status:   types.JobStatusQueued,
	}
	err := store.CreateJob(job)

	// Executions are attempts of a job; list them per job
	execs, err := store.ListExecutionsByJob("job-xyz789")

# Integration Points

This package integrates with:

  - pkg/registry: Pool, worker, and quota state persistence
  - pkg/engine: Job and execution lifecycle persistence
  - pkg/api: Read paths for the HTTP facade
  - pkg/types: All entity definitions

# Design Patterns

Upsert Pattern:
  - Create and Update use same method (db.Put)
  - No separate "exists" check needed
  - Uniqueness constraints (pool names) enforced by callers

Idempotent Deletes:
  - Delete returns no error if key doesn't exist
  - Safe to call multiple times

Cursor Iteration:
  - ForEach pattern for full bucket scans
  - Consistent snapshot during iteration

Filter Pattern:
  - List all, filter in memory (ListExecutionsByJob, ListWorkersByPool)
  - Simple implementation for small datasets
  - Future: Secondary indexes for performance

Error Taxonomy:
  - Missing keys return errors.KindNotFound
  - Marshal and database failures wrap as operation failures
  - Callers classify with errors.KindOf

# Performance Characteristics

Read Operations:
  - Get by key: O(log n) via B+tree, typically < 1ms
  - List all: O(n) full scan, ~1ms per 1000 entries
  - Concurrent reads: Supported via MVCC snapshots

Write Operations:
  - Insert/Update: O(log n) for key, ~1-5ms with fsync
  - Serialized: Only one writer at a time (BoltDB limitation)
  - Execution updates are the hottest write path (state transitions)

# See Also

  - pkg/registry for pool and worker state management
  - pkg/engine for the execution lifecycle
  - pkg/types for all entity definitions
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
