// Package scheduler turns a job into a pool choice.
//
// FindPlacement runs a four-stage pipeline: list ACTIVE pools, probe each
// pool's utilization through the monitor registered for its type, drop pools
// that fail the probe or the ledger's admission check, then hand the
// surviving candidates to the job's placement strategy. Monitor and
// admission failures skip the pool with a warning instead of failing the
// whole placement; only an empty active list or an empty candidate list is
// an error.
//
// The scheduler holds no state of its own. Strategy counters (round-robin)
// live in the placement registry, usage lives in the ledger.
package scheduler
