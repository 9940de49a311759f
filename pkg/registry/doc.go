// Package registry tracks the live topology of the system: resource pools,
// the quota ledger that meters them, and the workers registered against them.
//
// # Architecture
//
// The registry sits between the API layer and the dispatch engine. Pools are
// administrative objects persisted in the store; the ledger and worker
// registry are in-memory authorities that persist snapshots behind their
// locks.
//
//	┌─────────────────────────────────────────────────────────┐
//	│                      pkg/registry                       │
//	│                                                         │
//	│  ┌──────────────┐   ┌──────────────┐  ┌──────────────┐  │
//	│  │ PoolRegistry │──▶│    Ledger    │  │WorkerRegistry│  │
//	│  │              │   │              │  │              │  │
//	│  │ CRUD + name  │   │ reservations │  │ heartbeats,  │  │
//	│  │ uniqueness   │   │ + admission  │  │ assignment,  │  │
//	│  │              │   │   checks     │  │   reaping    │  │
//	│  └──────┬───────┘   └──────┬───────┘  └──────┬───────┘  │
//	│         │                  │                 │          │
//	│         ▼                  ▼                 ▼          │
//	│  ┌─────────────────────────────────────────────────┐    │
//	│  │                  storage.Store                  │    │
//	│  └─────────────────────────────────────────────────┘    │
//	└─────────────────────────────────────────────────────────┘
//
// # Core Components
//
// PoolRegistry owns pool lifecycle. Names are DNS labels and unique across
// the system. Deletion is two-phase: the pool is marked TERMINATING, then
// removed along with its usage snapshot, and the whole operation is refused
// while any worker is still registered against the pool.
//
// Ledger meters pool quotas. A reservation is keyed by its holder (the
// execution id) because reserving happens before a worker is chosen. The
// reservation counts as a queued job until Activate moves it to running;
// Release returns everything and is idempotent so terminal paths can call
// it unconditionally. Admission applies per-dimension headroom checks
// (cpu, memory, storage, custom limits) plus three count dimensions:
// maxWorkers and maxJobs bound live occupancy (running + queued), while
// maxConcurrentJobs bounds only running work. Fleet size is enforced
// separately at registration time through AddWorker.
//
// WorkerRegistry is the workerId → Worker map. Registration is idempotent
// for a known id in a non-terminal state and a conflict when the id is
// bound to a different pool. Assignment is an atomic IDLE → BUSY flip so
// two dispatches can never share a worker. Waiters (AwaitAvailable,
// WaitForRegistration) park on a broadcast channel that every arrival,
// revival, and release closes and replaces.
//
// The reaper sweeps every 10 seconds: a worker whose heartbeat is older
// than the heartbeat timeout goes OFFLINE (reporting its active execution
// lost through the OnWorkerLost callback, which runs outside the registry
// lock), and an OFFLINE worker past the eviction grace is removed entirely.
//
// # Usage
//
//	pools := registry.NewPoolRegistry(store)
//	ledger := registry.NewLedger(store, pools)
//	workers := registry.NewWorkerRegistry(store, ledger, 30*time.Second, 5*time.Minute)
//	workers.Start()
//	defer workers.Stop()
//
//	pool, err := pools.Create(&types.ResourcePool{
//		Name: "build-pool",
//		Quotas: types.PoolQuotas{
//			CPU:    types.QuotaBand{Limits: 16000},
//			Memory: types.QuotaBand{Limits: 32 * quantity.Gibibyte},
//		},
//	})
//
//	if err := ledger.Reserve(pool.ID, executionID, reqs); err != nil {
//		// KindInsufficientResources: back off and requeue
//	}
//	worker, err := workers.AwaitAvailable(ctx, pool.ID, reqs, tools, executionID, 2*time.Minute)
//
// # Integration Points
//
//   - pkg/engine: reserves, acquires workers, releases on terminal states
//   - pkg/scheduler: admission checks during placement filtering
//   - pkg/monitor: the Ledger doubles as the UsageSource for static pools
//   - pkg/stream: registration and heartbeats arrive over the worker stream
//   - pkg/api: pool CRUD, usage, and violation endpoints
//
// # Design Patterns
//
// In-memory authority: the maps behind the registry locks are the source of
// truth; the store trails them for observability and crash recovery. After
// a restart the ledger starts empty (a phantom reservation would deny
// capacity forever) and persisted workers come back OFFLINE until they
// re-register or heartbeat.
//
// Broadcast wakeup: waiters snapshot the arrivals channel before checking
// state, so a release between the check and the park cannot be missed.
//
// # See Also
//
//   - pkg/types: pool, worker, and usage record definitions
//   - pkg/storage: the persistence interface behind all three components
package registry
