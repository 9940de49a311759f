package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/types"
)

// Config carries agent identity and tuning. Zero durations fall back to
// defaults; zero capability fields are filled by probing the host.
type Config struct {
	// ServerURL is the orchestrator stream endpoint, e.g.
	// ws://orchestrator:9090/stream.
	ServerURL string

	// WorkerID identifies this agent. Generated when empty.
	WorkerID string

	// PoolID is the pool this agent registers into.
	PoolID string

	// Capabilities advertised at registration. Unset numeric fields are
	// probed from the host; the kotlin tool is advertised when the
	// runner binary is on PATH.
	Capabilities types.WorkerCapabilities

	// Heartbeat is the interval between heartbeat envelopes.
	Heartbeat time.Duration

	// ReconnectMin and ReconnectMax bound the dial backoff. The delay
	// doubles per failed attempt and resets after a registration is
	// acknowledged.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Shell runs shell tasks, KotlinBin runs kotlin scripts, Workdir is
	// the default task working directory.
	Shell     string
	KotlinBin string
	Workdir   string
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.New().String()[:8]
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Agent is the worker-side daemon. It maintains a stream to the
// orchestrator, registers on every connect, heartbeats, and runs
// assigned pipelines through its executor. A dropped stream kills the
// in-flight task; the orchestrator reschedules, never resumes.
type Agent struct {
	cfg      Config
	executor *Executor
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runMu     sync.Mutex
	runID     string
	runCancel context.CancelFunc
}

// New creates an agent. ServerURL and PoolID are required; the rest of
// the config is defaulted and the advertised capabilities are completed
// from the host.
func New(cfg Config) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.Validationf("agent: server URL is required")
	}
	if cfg.PoolID == "" {
		return nil, errors.Validationf("agent: pool ID is required")
	}
	cfg = cfg.withDefaults()

	logger := log.WithComponent("agent")
	cfg.Capabilities = probeCapabilities(cfg.Capabilities, cfg.KotlinBin, cfg.Workdir, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:      cfg,
		executor: NewExecutor(cfg.Shell, cfg.KotlinBin, cfg.Workdir),
		logger:   logger.With().Str("worker_id", cfg.WorkerID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// WorkerID returns the identity the agent registers under.
func (a *Agent) WorkerID() string {
	return a.cfg.WorkerID
}

// Start launches the connection loop.
func (a *Agent) Start() {
	a.logger.Info().
		Str("server", a.cfg.ServerURL).
		Str("pool_id", a.cfg.PoolID).
		Int64("cpu_millis", a.cfg.Capabilities.CPUMillis).
		Int64("memory_bytes", a.cfg.Capabilities.MemoryBytes).
		Strs("tools", a.cfg.Capabilities.Tools).
		Msg("Starting agent")
	a.wg.Add(1)
	go a.run()
}

// Stop tears down the stream and waits for the loop and any in-flight
// task to finish.
func (a *Agent) Stop() {
	a.cancel()
	a.wg.Wait()
	a.logger.Info().Msg("Agent stopped")
}

// run dials until stopped. The backoff doubles per failed attempt and
// resets once a session registers successfully.
func (a *Agent) run() {
	defer a.wg.Done()

	attempt := 0
	for {
		if a.ctx.Err() != nil {
			return
		}

		registered, err := a.session()
		if a.ctx.Err() != nil {
			return
		}
		if registered {
			attempt = 0
		}
		attempt++

		delay := reconnectDelay(a.cfg.ReconnectMin, a.cfg.ReconnectMax, attempt)
		a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Stream lost, reconnecting")
		select {
		case <-time.After(delay):
		case <-a.ctx.Done():
			return
		}
	}
}

// beginRun records the active execution and returns its context, or
// false when another run is already in flight.
func (a *Agent) beginRun(parent context.Context, executionID string) (context.Context, bool) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel != nil {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	a.runID = executionID
	a.runCancel = cancel
	return ctx, true
}

func (a *Agent) endRun() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel != nil {
		a.runCancel()
		a.runCancel = nil
		a.runID = ""
	}
}

// cancelRun kills the in-flight task, if any.
func (a *Agent) cancelRun(reason string) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel == nil {
		return
	}
	a.logger.Info().Str("execution_id", a.runID).Str("reason", reason).Msg("Killing running task")
	a.runCancel()
}

// reconnectDelay doubles from min per attempt, capped at limit.
func reconnectDelay(min, limit time.Duration, attempt int) time.Duration {
	delay := min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
