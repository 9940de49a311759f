package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/stream"
	"github.com/droverhq/drover/pkg/types"
)

// recordingHandler captures everything the hub delivers so tests can
// assert on the agent's wire behavior.
type recordingHandler struct {
	mu          sync.Mutex
	refusals    int
	registers   []protocol.RegisterRequest
	heartbeats  int
	statuses    []protocol.StatusUpdate
	logs        []byte
	results     []protocol.ExecutionResult
	acks        []string
	disconnects int
}

func (h *recordingHandler) OnRegister(workerID, poolID string, caps types.WorkerCapabilities) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refusals > 0 {
		h.refusals--
		return assert.AnError
	}
	h.registers = append(h.registers, protocol.RegisterRequest{
		WorkerID:     workerID,
		PoolID:       poolID,
		Capabilities: caps,
	})
	return nil
}

func (h *recordingHandler) OnStatusUpdate(workerID string, update *protocol.StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, *update)
}

func (h *recordingHandler) OnLogChunk(workerID string, chunk *protocol.LogChunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, chunk.Content...)
}

func (h *recordingHandler) OnExecutionResult(workerID string, result *protocol.ExecutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, *result)
}

func (h *recordingHandler) OnHeartbeat(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats++
}

func (h *recordingHandler) OnAck(workerID, messageID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acks = append(h.acks, messageID)
}

func (h *recordingHandler) OnDisconnect(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandler) registerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registers)
}

func (h *recordingHandler) lastRegister() protocol.RegisterRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registers[len(h.registers)-1]
}

func (h *recordingHandler) heartbeatCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heartbeats
}

func (h *recordingHandler) sawEvent(eventType types.EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.statuses {
		if s.EventType == eventType {
			return true
		}
	}
	return false
}

func (h *recordingHandler) ackedMessage(messageID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.acks {
		if id == messageID {
			return true
		}
	}
	return false
}

func (h *recordingHandler) logText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.logs)
}

func (h *recordingHandler) resultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func (h *recordingHandler) lastResult() protocol.ExecutionResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results[len(h.results)-1]
}

func (h *recordingHandler) disconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects
}

// streamFixture is a live orchestrator stream endpoint backed by the
// real hub.
type streamFixture struct {
	hub     *stream.Hub
	handler *recordingHandler
	wsURL   string
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()

	hub := stream.NewHub()
	handler := &recordingHandler{}
	hub.SetHandler(handler)

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	return &streamFixture{
		hub:     hub,
		handler: handler,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (f *streamFixture) startAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()

	if cfg.ServerURL == "" {
		cfg.ServerURL = f.wsURL
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 30 * time.Millisecond
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = 20 * time.Millisecond
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 200 * time.Millisecond
	}
	if cfg.Workdir == "" {
		cfg.Workdir = t.TempDir()
	}

	ag, err := New(cfg)
	require.NoError(t, err)
	ag.Start()
	t.Cleanup(ag.Stop)
	return ag
}

func (f *streamFixture) awaitRegistered(t *testing.T, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.handler.registerCount() >= count
	}, 3*time.Second, 10*time.Millisecond, "agent never registered")
}

func (f *streamFixture) assign(t *testing.T, workerID, executionID string, tasks ...types.Task) *protocol.Envelope {
	t.Helper()

	env, err := protocol.NewEnvelope(protocol.TypeExecutionAssignment, &protocol.ExecutionAssignment{
		ExecutionID: executionID,
		JobID:       "job-" + executionID,
		Definition:  protocol.Definition{JobName: "it", Tasks: tasks},
	})
	require.NoError(t, err)
	env.RequiresAck = true
	require.NoError(t, f.hub.Send(workerID, env))
	return env
}

// TestAgentConfigValidation tests that the orchestrator URL and pool are
// required and a worker id is generated when absent.
func TestAgentConfigValidation(t *testing.T) {
	_, err := New(Config{PoolID: "pool-a"})
	require.Error(t, err)

	_, err = New(Config{ServerURL: "ws://localhost:9090/stream"})
	require.Error(t, err)

	ag, err := New(Config{ServerURL: "ws://localhost:9090/stream", PoolID: "pool-a"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ag.WorkerID(), "worker-"))
}

// TestAgentRegistersAndHeartbeats tests the connect path: register is
// first on the wire with the advertised capabilities, heartbeats follow,
// and stopping the agent disconnects cleanly.
func TestAgentRegistersAndHeartbeats(t *testing.T) {
	fix := newStreamFixture(t)

	ag, err := New(Config{
		ServerURL:    fix.wsURL,
		WorkerID:     "w1",
		PoolID:       "pool-a",
		Heartbeat:    30 * time.Millisecond,
		ReconnectMin: 20 * time.Millisecond,
		Capabilities: types.WorkerCapabilities{CPUMillis: 2000, MemoryBytes: 1 << 30},
		Workdir:      t.TempDir(),
	})
	require.NoError(t, err)
	ag.Start()
	t.Cleanup(ag.Stop)

	fix.awaitRegistered(t, 1)
	reg := fix.handler.lastRegister()
	assert.Equal(t, "w1", reg.WorkerID)
	assert.Equal(t, "pool-a", reg.PoolID)
	assert.Equal(t, int64(2000), reg.Capabilities.CPUMillis, "explicit capabilities are not probed over")
	assert.Equal(t, int64(1<<30), reg.Capabilities.MemoryBytes)

	require.Eventually(t, func() bool {
		return fix.handler.heartbeatCount() >= 2
	}, 3*time.Second, 10*time.Millisecond, "no heartbeats arrived")

	ag.Stop()
	require.Eventually(t, func() bool {
		return fix.handler.disconnectCount() >= 1
	}, 3*time.Second, 10*time.Millisecond, "hub never saw the disconnect")
}

// TestAgentRunsAssignment tests the full execution round trip: the
// assignment is acked, progress events and log output stream back, and
// the verdict arrives last.
func TestAgentRunsAssignment(t *testing.T) {
	fix := newStreamFixture(t)
	fix.startAgent(t, Config{WorkerID: "w2", PoolID: "pool-a"})
	fix.awaitRegistered(t, 1)

	env := fix.assign(t, "w2", "exec-1",
		types.Task{Shell: &types.ShellTask{Command: "echo streamed"}})

	require.Eventually(t, func() bool {
		return fix.handler.ackedMessage(env.MessageID)
	}, 3*time.Second, 10*time.Millisecond, "assignment was never acked")

	require.Eventually(t, func() bool {
		return fix.handler.resultCount() >= 1
	}, 5*time.Second, 10*time.Millisecond, "no result arrived")

	result := fix.handler.lastResult()
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)

	assert.True(t, fix.handler.sawEvent(types.EventExecutionStarted))
	assert.True(t, fix.handler.sawEvent(types.EventStepStarted))
	assert.True(t, fix.handler.sawEvent(types.EventStepCompleted))
	assert.Contains(t, fix.handler.logText(), "streamed")
}

// TestAgentCancelSignalKillsTask tests that a cancel signal kills the
// running process and a failure verdict still comes back.
func TestAgentCancelSignalKillsTask(t *testing.T) {
	fix := newStreamFixture(t)
	fix.startAgent(t, Config{WorkerID: "w3", PoolID: "pool-a"})
	fix.awaitRegistered(t, 1)

	fix.assign(t, "w3", "exec-stuck",
		types.Task{Shell: &types.ShellTask{Command: "sleep 30"}})

	require.Eventually(t, func() bool {
		return fix.handler.sawEvent(types.EventExecutionStarted)
	}, 3*time.Second, 10*time.Millisecond, "task never started")

	cancel, err := protocol.NewEnvelope(protocol.TypeCancelSignal, &protocol.CancelSignal{Reason: "operator request"})
	require.NoError(t, err)
	require.NoError(t, fix.hub.Send("w3", cancel))

	require.Eventually(t, func() bool {
		return fix.handler.resultCount() >= 1
	}, 5*time.Second, 10*time.Millisecond, "no verdict after cancel")

	result := fix.handler.lastResult()
	assert.False(t, result.Success)
	assert.Equal(t, 137, result.ExitCode)
}

// TestAgentReconnectsAfterKick tests that a server-side disconnect is
// followed by a fresh registration.
func TestAgentReconnectsAfterKick(t *testing.T) {
	fix := newStreamFixture(t)
	fix.startAgent(t, Config{WorkerID: "w4", PoolID: "pool-a"})
	fix.awaitRegistered(t, 1)

	fix.hub.Disconnect("w4", "make room")

	fix.awaitRegistered(t, 2)
	assert.GreaterOrEqual(t, fix.handler.disconnectCount(), 1)
}

// TestAgentRetriesRefusedRegistration tests that a refused registration
// is retried until the orchestrator accepts.
func TestAgentRetriesRefusedRegistration(t *testing.T) {
	fix := newStreamFixture(t)
	fix.handler.refusals = 2

	fix.startAgent(t, Config{WorkerID: "w5", PoolID: "pool-a"})

	fix.awaitRegistered(t, 1)
	reg := fix.handler.lastRegister()
	assert.Equal(t, "w5", reg.WorkerID)
}

// TestAgentRefusesSecondAssignment tests that an assignment arriving
// while a task runs is ignored rather than run concurrently.
func TestAgentRefusesSecondAssignment(t *testing.T) {
	fix := newStreamFixture(t)
	fix.startAgent(t, Config{WorkerID: "w6", PoolID: "pool-a"})
	fix.awaitRegistered(t, 1)

	fix.assign(t, "w6", "exec-long",
		types.Task{Shell: &types.ShellTask{Command: "sleep 0.5; echo first"}})

	require.Eventually(t, func() bool {
		return fix.handler.sawEvent(types.EventExecutionStarted)
	}, 3*time.Second, 10*time.Millisecond)

	fix.assign(t, "w6", "exec-second",
		types.Task{Shell: &types.ShellTask{Command: "echo second"}})

	require.Eventually(t, func() bool {
		return fix.handler.resultCount() >= 1
	}, 5*time.Second, 10*time.Millisecond, "first task never finished")

	assert.Contains(t, fix.handler.logText(), "first")
	assert.NotContains(t, fix.handler.logText(), "second")
	assert.Equal(t, 1, fix.handler.resultCount(), "second assignment must not produce a verdict")
}
