// Package log provides structured logging for Drover using zerolog.
//
// The package wraps zerolog behind a small global surface so every
// component logs through the same pipeline with the same field
// conventions. Components never construct their own zerolog instances;
// they derive child loggers from the shared one so level filtering and
// output routing stay consistent process-wide.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────┐
//	│                  Components                     │
//	│   engine · scheduler · stream · agent · api     │
//	└───────────────────────┬─────────────────────────┘
//	                        │ WithComponent / WithJobID / ...
//	                        ▼
//	┌─────────────────────────────────────────────────┐
//	│               Global Logger                     │
//	│   level filter · timestamping · field chain     │
//	└───────────────────────┬─────────────────────────┘
//	                        │
//	            ┌───────────┴───────────┐
//	            ▼                       ▼
//	┌───────────────────┐   ┌───────────────────────┐
//	│   JSON output     │   │   Console output      │
//	│   (production)    │   │   (development)       │
//	└───────────────────┘   └───────────────────────┘
//
// # Core Components
//
// Logger is the process-wide zerolog.Logger. It is configured once by
// Init and then shared; the With* helpers derive children from it
// rather than reconfiguring it.
//
// Config selects the minimum level, the output format, and the
// destination writer:
//
//   - Level: one of DebugLevel, InfoLevel, WarnLevel, ErrorLevel.
//     Events below the configured level are dropped at the source.
//   - JSONOutput: true emits one JSON object per line for collectors;
//     false emits human-readable console lines with RFC3339 timestamps.
//   - Service: the process name ("orchestrator" or "agent"), stamped
//     on every line so interleaved streams stay attributable.
//   - Output: destination writer, defaulting to os.Stdout when nil.
//
// Init applies a Config to the global Logger. The orchestrator and the
// agent both call it exactly once at startup, before any component
// starts logging; calling it again reconfigures the shared logger,
// which is only done in tests.
//
// # Contextual Loggers
//
// The With* helpers return child loggers carrying a standard field, so
// every line a component emits can be filtered by that field:
//
//   - WithComponent(name) tags lines with component=name. Long-lived
//     subsystems (engine, scheduler, stream hub, pool registry) hold
//     one of these for their lifetime.
//   - WithWorkerID(id) tags lines with worker_id=id for per-worker
//     activity such as registration, heartbeats, and drain.
//   - WithJobID(id) tags lines with job_id=id across a job's
//     lifecycle.
//   - WithExecutionID(id) tags lines with execution_id=id while an
//     attempt runs.
//
// Child loggers are values; deriving one is cheap and they may be
// combined by chaining zerolog's own With() on the result.
//
// # Log Levels
//
// DebugLevel is for high-volume diagnostics: queue depths, dispatch
// decisions, heartbeat arrivals. InfoLevel records lifecycle progress
// such as jobs submitted, executions finished, workers registered.
// WarnLevel covers recoverable anomalies like a missed heartbeat or a
// requeued job. ErrorLevel is for failures that affect a caller.
// Fatal logs and exits the process; it is reserved for startup
// failures where continuing is meaningless.
//
// # Usage
//
// Production configuration, JSON to stdout:
//
//	log.Init(log.Config{
//		Level:      log.InfoLevel,
//		JSONOutput: true,
//		Service:    "orchestrator",
//	})
//
// Development configuration, console output with debug detail:
//
//	log.Init(log.Config{
//		Level:      log.DebugLevel,
//		JSONOutput: false,
//	})
//
// Basic logging through the package-level helpers:
//
//	log.Info("orchestrator started")
//	log.Debug("dispatch loop idle")
//	log.Warn("worker heartbeat overdue")
//	log.Error("stream write failed")
//	log.Errorf("load state: %v", err)
//	log.Fatal("cannot open state store") // exits the process
//
// Structured logging through a component logger:
//
//	logger := log.WithComponent("scheduler")
//	logger.Info().
//		Str("job_id", job.ID).
//		Str("pool", pool.Name).
//		Int("queue_depth", depth).
//		Msg("job queued")
//
//	logger.Error().
//		Err(err).
//		Str("worker_id", workerID).
//		Msg("dispatch failed")
//
// Correlating one execution across components:
//
//	logger := log.WithExecutionID(exec.ID)
//	logger.Info().Str("worker_id", w.ID).Msg("execution assigned")
//	...
//	logger.Info().Int("exit_code", code).Msg("execution finished")
//
// # Output Examples
//
// JSON output (JSONOutput: true):
//
//	{"level":"info","service":"orchestrator","component":"engine","job_id":"a1b2","time":"2024-04-02T10:21:07Z","message":"job queued"}
//	{"level":"error","service":"orchestrator","component":"stream","worker_id":"w-7","error":"websocket: close 1006","time":"2024-04-02T10:21:09Z","message":"connection lost"}
//
// Console output (JSONOutput: false):
//
//	2024-04-02T10:21:07Z INF job queued component=engine job_id=a1b2 service=orchestrator
//	2024-04-02T10:21:09Z ERR connection lost component=stream error="websocket: close 1006" service=orchestrator worker_id=w-7
//
// # Integration Points
//
// The server and agent commands call Init from their Run functions,
// mapping configuration (log.level, log.json) onto Config and naming
// their process in Service. Every long-lived component then derives
// its own child logger:
//
//	logger := log.WithComponent("engine")
//
// The HTTP API logs one line per request through the same pipeline,
// so request traffic and component events interleave in one stream.
//
// # See Also
//
//   - pkg/config: configuration keys that feed Config
//   - pkg/metrics: Prometheus collectors recorded alongside log events
//   - pkg/errors: error kinds that components attach via Err()
package log
