// Package httpapi exposes the orchestrator over REST.
//
// # Routes
//
//	POST   /jobs                      submit a job (creates its first execution)
//	GET    /jobs                      list jobs, ?status= filter
//	GET    /jobs/{id}                 fetch a job
//	DELETE /jobs/{id}                 cancel the job's latest execution
//	POST   /jobs/{id}/executions     refused: executions exist only through submission
//
//	GET    /executions                list executions, ?jobId= and ?state= filters
//	GET    /executions/{id}           fetch an execution
//	DELETE /executions/{id}           cancel, ?reason= optional
//	GET    /executions/{id}/logs      captured log chunks, ?raw=true for plain bytes
//	GET    /executions/{id}/events    progress updates as SSE, or websocket on upgrade
//
//	POST   /pools                     create a pool
//	GET    /pools                     list pools
//	GET    /pools/{id}                fetch by id or name
//	DELETE /pools/{id}                delete (refused while workers remain)
//	PUT    /pools/{id}/quotas         replace the quota block
//	GET    /pools/{id}/usage          live usage against quotas
//	GET    /pools/{id}/violations     dimensions where usage exceeds limits
//
//	GET    /workers                   list workers, ?poolId= filter
//	POST   /workers/{id}/drain        mark TERMINATING, finish active work, evict
//
//	GET    /health                    liveness summary
//	GET    /health/live               bare liveness
//	GET    /health/ready              dependency checks, 503 until all pass
//	GET    /metrics                   Prometheus exposition
//
// Every error response has the same shape:
//
//	{"error": "NOT_FOUND", "message": "...", "timestamp": "...", "traceId": "..."}
//
// where error is the wire code when one is attached and the error kind
// otherwise. The events route streams live updates through the fanout
// broker and replays retained history for finished executions, deduplicated
// by sequence number so a subscriber attaching mid-run never sees a gap or
// a duplicate. Clients that ask for a websocket upgrade get the same
// stream as JSON frames; resuming websocket clients pass ?lastSeq= in
// place of the Last-Event-ID header.
package httpapi
