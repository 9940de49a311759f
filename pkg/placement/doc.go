// Package placement implements the pluggable pool-selection strategies used
// by the scheduler.
//
// All strategies share one contract: given a job and the admitted
// candidates (pool + utilization snapshot pairs), return exactly one pool or
// an insufficient-resources error when nothing qualifies. Selection is pure
// with respect to its inputs; RoundRobin additionally keeps a process-wide
// counter so the rotation survives across placements.
//
// Built-ins, matched case-insensitively through the Registry:
//
//   - roundrobin: rotate through candidates in pool-id order
//   - greedy: lowest mean of cpu and memory utilization
//   - leastloaded (default): weighted composite of cpu, memory, running
//     jobs, and queue depth, discarding pools without headroom
//   - binpacking: consolidate onto mid-range pools, discard near-full ones
//
// Utilization ratios treat an unknown (zero) total as zero load, so
// unbounded pools neither attract nor repel placement on that dimension.
package placement
