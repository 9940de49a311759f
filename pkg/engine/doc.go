// Package engine drives accepted jobs to terminal executions.
//
// # Architecture
//
//	 Submit ──► dispatchQueue ──► dispatcher (one of N)
//	                                  │
//	                1. FindPlacement  │  scheduler
//	                2. Reserve        │  ledger
//	                3. AwaitAvailable │  worker registry
//	                4. ASSIGNED       │  state machine
//	                5. send order     │  stream hub
//	                6. start grace    │
//	                7. stream         │  handler callbacks apply states
//	                8. finalize       │  release, project job, retry
//
// Each live execution has one executionContext holding its state machine,
// bounded event/log rings, and worker binding. The dispatcher that pops the
// execution owns it for its whole lifetime and is the only goroutine that
// finalizes it; handler callbacks, cancels, and worker-loss watches only
// apply machine transitions, which the dispatcher observes through the
// machine's feed.
//
// Every state change lands in three places in order: the state machine,
// the persisted record, and the fanout broker. Retained events and logs
// outlive the live context in a TTL cache so late readers still see them.
//
// A failure before a worker was ever assigned (no placement, no worker in
// time) settles the execution record directly and the machine never leaves
// CREATED. Failures with infrastructure causes retry the job under its
// budget; a verdict from the worker itself never retries.
package engine
