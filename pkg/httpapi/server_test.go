package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/fanout"
	"github.com/droverhq/drover/pkg/monitor"
	"github.com/droverhq/drover/pkg/placement"
	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// fakeSender records outbound envelopes instead of writing to a stream.
type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Envelope
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]*protocol.Envelope)}
}

func (f *fakeSender) Send(workerID string, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[workerID] = append(f.sent[workerID], env)
	return nil
}

func (f *fakeSender) Disconnect(workerID, reason string) {}

func (f *fakeSender) ofType(workerID string, typ protocol.Type) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range f.sent[workerID] {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type apiFixture struct {
	ts      *httptest.Server
	srv     *Server
	engine  *engine.Engine
	store   storage.Store
	pools   *registry.PoolRegistry
	workers *registry.WorkerRegistry
	ledger  *registry.Ledger
	broker  *fanout.Broker
	sender  *fakeSender
}

// newAPIFixture wires the full pipeline behind an httptest server. The
// engine is not started; tests that need dispatch call engine.Start.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pools := registry.NewPoolRegistry(store)
	ledger := registry.NewLedger(store, pools)
	workers := registry.NewWorkerRegistry(store, ledger, 50*time.Millisecond, 300*time.Millisecond)

	monitors := monitor.NewRegistry()
	monitors.Register(monitor.NewStaticMonitor(ledger))
	sched := scheduler.New(pools, ledger, monitors, placement.NewRegistry())

	broker := fanout.NewBroker(nil)
	t.Cleanup(broker.Close)
	sender := newFakeSender()

	eng := engine.New(store, sched, workers, ledger, broker, sender, engine.Config{
		WorkerWait:       2 * time.Second,
		StartGrace:       2 * time.Second,
		HeartbeatTimeout: 50 * time.Millisecond,
		CancelGrace:      2 * time.Second,
		RequeueBackoff:   10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		Dispatchers:      2,
	})
	t.Cleanup(eng.Stop)

	srv := NewServer(Config{Version: "test"}, eng, store, pools, workers, ledger, broker)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{
		ts:      ts,
		srv:     srv,
		engine:  eng,
		store:   store,
		pools:   pools,
		workers: workers,
		ledger:  ledger,
		broker:  broker,
		sender:  sender,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func readJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *apiFixture) createPool(t *testing.T, name string) *types.ResourcePool {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/pools", map[string]interface{}{
		"name": name,
		"quotas": map[string]interface{}{
			"cpu":    map[string]int64{"limits": 16000},
			"memory": map[string]int64{"limits": 32 * quantity.Gibibyte},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var pool types.ResourcePool
	readJSON(t, resp, &pool)
	return &pool
}

func (f *apiFixture) registerWorker(t *testing.T, workerID, poolID string) {
	t.Helper()
	require.NoError(t, f.engine.OnRegister(workerID, poolID, types.WorkerCapabilities{
		CPUMillis:   8000,
		MemoryBytes: 16 * quantity.Gibibyte,
	}))
}

func (f *apiFixture) submitJob(t *testing.T) submitJobResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/jobs", map[string]interface{}{
		"name": "build",
		"spec": map[string]interface{}{
			"tasks": []map[string]interface{}{
				{"shell": map[string]string{"command": "make"}},
			},
		},
		"resourceRequirements": map[string]string{"cpu": "1", "memory": "1Gi"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out submitJobResponse
	readJSON(t, resp, &out)
	return out
}

func (f *apiFixture) awaitAssignment(t *testing.T, workerID string) *protocol.Envelope {
	t.Helper()
	var envs []*protocol.Envelope
	require.Eventually(t, func() bool {
		envs = f.sender.ofType(workerID, protocol.TypeExecutionAssignment)
		return len(envs) > 0
	}, 3*time.Second, 5*time.Millisecond, "worker %s never received an assignment", workerID)
	return envs[0]
}

func (f *apiFixture) awaitJobStatus(t *testing.T, jobID string, want types.JobStatus) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

// TestSubmitJobCreatesExecution tests that POST /jobs persists the job and
// returns it paired with its first execution.
func TestSubmitJobCreatesExecution(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/jobs", map[string]interface{}{
		"name":     "nightly-build",
		"priority": 10,
		"spec": map[string]interface{}{
			"tasks": []map[string]interface{}{
				{"shell": map[string]string{"command": "make all"}},
			},
		},
		"resourceRequirements": map[string]string{"cpu": "500m", "memory": "1Gi"},
		"maxRetries":           2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	location := resp.Header.Get("Location")

	var out submitJobResponse
	readJSON(t, resp, &out)
	require.NotNil(t, out.Job)
	require.NotNil(t, out.Execution)
	assert.Equal(t, "/jobs/"+out.Job.ID, location)
	assert.Equal(t, types.JobStatusQueued, out.Job.Status)
	assert.Equal(t, types.PriorityHigh, out.Job.Priority)
	assert.Equal(t, out.Execution.ID, out.Job.LatestExecutionID)
	assert.Equal(t, types.ExecutionStateCreated, out.Execution.State)

	getResp := f.do(t, http.MethodGet, "/jobs/"+out.Job.ID, nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var fetched types.Job
	readJSON(t, getResp, &fetched)
	assert.Equal(t, out.Job.ID, fetched.ID)

	listResp := f.do(t, http.MethodGet, "/executions?jobId="+out.Job.ID, nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var execs []types.Execution
	readJSON(t, listResp, &execs)
	require.Len(t, execs, 1)
	assert.Equal(t, out.Execution.ID, execs[0].ID)
}

// TestSubmitJobValidation tests that malformed submissions come back as
// 400 responses in the uniform error shape.
func TestSubmitJobValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing name", map[string]interface{}{
			"spec": map[string]interface{}{
				"tasks": []map[string]interface{}{{"shell": map[string]string{"command": "ls"}}},
			},
		}},
		{"no payload", map[string]interface{}{"name": "empty"}},
		{"bad priority", map[string]interface{}{
			"name":     "prio",
			"priority": 7,
			"spec": map[string]interface{}{
				"tasks": []map[string]interface{}{{"shell": map[string]string{"command": "ls"}}},
			},
		}},
		{"bad quantity", map[string]interface{}{
			"name": "quant",
			"spec": map[string]interface{}{
				"tasks": []map[string]interface{}{{"shell": map[string]string{"command": "ls"}}},
			},
			"resourceRequirements": map[string]string{"cpu": "lots"},
		}},
		{"unknown strategy", map[string]interface{}{
			"name":     "strat",
			"strategy": "random",
			"spec": map[string]interface{}{
				"tasks": []map[string]interface{}{{"shell": map[string]string{"command": "ls"}}},
			},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/jobs", tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body errorResponse
			readJSON(t, resp, &body)
			assert.Equal(t, "VALIDATION", body.Error)
			assert.NotEmpty(t, body.Message)
			assert.NotEmpty(t, body.TraceID)
			assert.False(t, body.Timestamp.IsZero())
		})
	}

	jobs, err := f.store.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions must not persist")
}

// TestJobNotFound tests the 404 mapping.
func TestJobNotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/jobs/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorResponse
	readJSON(t, resp, &body)
	assert.Equal(t, "NOT_FOUND", body.Error)
}

// TestDirectExecutionForbidden tests that executions cannot be created
// outside job submission.
func TestDirectExecutionForbidden(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/jobs/any-job/executions", map[string]string{})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body errorResponse
	readJSON(t, resp, &body)
	assert.Equal(t, errors.CodeDirectExecutionForbidden, body.Error)
}

// TestCancelJob tests that DELETE /jobs/{id} cancels the latest execution
// and that repeating it on a terminal job is a no-op success.
func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)
	out := f.submitJob(t)

	resp := f.do(t, http.MethodDelete, "/jobs/"+out.Job.ID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var cancelled types.Job
	readJSON(t, resp, &cancelled)
	assert.Equal(t, types.JobStatusCancelled, cancelled.Status)

	exec, err := f.store.GetExecution(out.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateCancelled, exec.State)

	again := f.do(t, http.MethodDelete, "/jobs/"+out.Job.ID, nil)
	require.Equal(t, http.StatusOK, again.StatusCode)
	var repeat types.Job
	readJSON(t, again, &repeat)
	assert.Equal(t, types.JobStatusCancelled, repeat.Status)
}

// TestListJobsFilter tests the ?status= filter.
func TestListJobsFilter(t *testing.T) {
	f := newAPIFixture(t)
	kept := f.submitJob(t)
	doomed := f.submitJob(t)

	resp := f.do(t, http.MethodDelete, "/jobs/"+doomed.Job.ID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	listResp := f.do(t, http.MethodGet, "/jobs?status=QUEUED", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var queued []types.Job
	readJSON(t, listResp, &queued)
	require.Len(t, queued, 1)
	assert.Equal(t, kept.Job.ID, queued[0].ID)
}

// TestCancelExecution tests DELETE /executions/{id} with a reason, its
// idempotency, and the unknown-id 404.
func TestCancelExecution(t *testing.T) {
	f := newAPIFixture(t)
	out := f.submitJob(t)

	resp := f.do(t, http.MethodDelete, "/executions/"+out.Execution.ID+"?reason=operator+request", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var exec types.Execution
	readJSON(t, resp, &exec)
	assert.Equal(t, types.ExecutionStateCancelled, exec.State)
	assert.Equal(t, "CANCELLED: operator request", exec.ErrorMessage)

	again := f.do(t, http.MethodDelete, "/executions/"+out.Execution.ID, nil)
	require.Equal(t, http.StatusAccepted, again.StatusCode)
	var repeat types.Execution
	readJSON(t, again, &repeat)
	assert.Equal(t, "CANCELLED: operator request", repeat.ErrorMessage, "later cancels must not rewrite the reason")

	missing := f.do(t, http.MethodDelete, "/executions/ghost", nil)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
	missing.Body.Close()
}

// TestPoolLifecycle tests create, fetch by id and by name, quota update,
// usage, violations, and delete.
func TestPoolLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	pool := f.createPool(t, "build-pool")

	listResp := f.do(t, http.MethodGet, "/pools", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var pools []types.ResourcePool
	readJSON(t, listResp, &pools)
	require.Len(t, pools, 1)

	byName := f.do(t, http.MethodGet, "/pools/build-pool", nil)
	require.Equal(t, http.StatusOK, byName.StatusCode)
	var named types.ResourcePool
	readJSON(t, byName, &named)
	assert.Equal(t, pool.ID, named.ID)

	quotaResp := f.do(t, http.MethodPut, "/pools/"+pool.ID+"/quotas", map[string]interface{}{
		"cpu":     map[string]int64{"limits": 4000},
		"maxJobs": 3,
	})
	require.Equal(t, http.StatusOK, quotaResp.StatusCode)
	var updated types.ResourcePool
	readJSON(t, quotaResp, &updated)
	assert.Equal(t, int64(4000), updated.Quotas.CPU.Limits)
	assert.Equal(t, 3, updated.Quotas.MaxJobs)

	usageResp := f.do(t, http.MethodGet, "/pools/"+pool.ID+"/usage", nil)
	require.Equal(t, http.StatusOK, usageResp.StatusCode)
	var usage poolUsageResponse
	readJSON(t, usageResp, &usage)
	assert.Equal(t, pool.ID, usage.PoolID)
	assert.Zero(t, usage.Usage.CPUMillis)
	assert.Equal(t, int64(4000), usage.Quotas.CPU.Limits)

	violResp := f.do(t, http.MethodGet, "/pools/build-pool/violations", nil)
	require.Equal(t, http.StatusOK, violResp.StatusCode)
	var viol poolViolationsResponse
	readJSON(t, violResp, &viol)
	assert.Equal(t, "build-pool", viol.PoolName)
	assert.Empty(t, viol.Violations)

	delResp := f.do(t, http.MethodDelete, "/pools/"+pool.ID, nil)
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
	delResp.Body.Close()

	gone := f.do(t, http.MethodGet, "/pools/"+pool.ID, nil)
	require.Equal(t, http.StatusNotFound, gone.StatusCode)
	gone.Body.Close()
}

// TestPoolCreateRejections tests name validation and the uniqueness
// conflict.
func TestPoolCreateRejections(t *testing.T) {
	f := newAPIFixture(t)

	bad := f.do(t, http.MethodPost, "/pools", map[string]interface{}{"name": "Bad_Name"})
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
	var badBody errorResponse
	readJSON(t, bad, &badBody)
	assert.Equal(t, "VALIDATION", badBody.Error)

	f.createPool(t, "dup-pool")
	dup := f.do(t, http.MethodPost, "/pools", map[string]interface{}{"name": "dup-pool"})
	require.Equal(t, http.StatusConflict, dup.StatusCode)
	var dupBody errorResponse
	readJSON(t, dup, &dupBody)
	assert.Equal(t, "CONFLICT", dupBody.Error)
}

// TestDeletePoolWithWorkers tests that deletion is refused while workers
// are registered.
func TestDeletePoolWithWorkers(t *testing.T) {
	f := newAPIFixture(t)
	pool := f.createPool(t, "busy-pool")
	f.registerWorker(t, "w1", pool.ID)

	resp := f.do(t, http.MethodDelete, "/pools/"+pool.ID, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body errorResponse
	readJSON(t, resp, &body)
	assert.Equal(t, "BUSINESS_RULE", body.Error)
	assert.Contains(t, body.Message, "workers still registered")
}

// TestWorkersListAndDrain tests the worker listing, pool filter, token
// scrubbing, and the drain operation.
func TestWorkersListAndDrain(t *testing.T) {
	f := newAPIFixture(t)
	pool := f.createPool(t, "worker-pool")
	f.registerWorker(t, "w1", pool.ID)
	f.registerWorker(t, "w2", pool.ID)

	resp := f.do(t, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw []map[string]interface{}
	readJSON(t, resp, &raw)
	require.Len(t, raw, 2)
	assert.Equal(t, "w1", raw[0]["id"])
	assert.Equal(t, "w2", raw[1]["id"])
	for _, entry := range raw {
		assert.NotContains(t, entry, "sessionToken")
	}

	empty := f.do(t, http.MethodGet, "/workers?poolId=other", nil)
	require.Equal(t, http.StatusOK, empty.StatusCode)
	var none []types.Worker
	readJSON(t, empty, &none)
	assert.Empty(t, none)

	drain := f.do(t, http.MethodPost, "/workers/w1/drain", nil)
	require.Equal(t, http.StatusAccepted, drain.StatusCode)
	var drained types.Worker
	readJSON(t, drain, &drained)
	assert.Equal(t, types.WorkerStatusTerminating, drained.Status)

	missing := f.do(t, http.MethodPost, "/workers/ghost/drain", nil)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
	missing.Body.Close()
}

// TestHealthEndpoints tests liveness, readiness, and a failing injected
// check flipping readiness to 503.
func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	health := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, health.StatusCode)
	var h healthResponse
	readJSON(t, health, &h)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)

	live := f.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, live.StatusCode)
	live.Body.Close()

	ready := f.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, ready.StatusCode)
	var r readyResponse
	readJSON(t, ready, &r)
	assert.Equal(t, "ready", r.Status)
	assert.Equal(t, "ok", r.Checks["storage"])
	assert.Equal(t, "ok", r.Checks["engine"])

	f.srv.AddReadyCheck("stream", func() error { return errors.New("listener down") })
	notReady := f.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, notReady.StatusCode)
	var nr readyResponse
	readJSON(t, notReady, &nr)
	assert.Equal(t, "not ready", nr.Status)
	assert.Contains(t, nr.Checks["stream"], "listener down")
}

// TestMetricsEndpoint tests that the Prometheus exposition includes the
// API series after a request has been served.
func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	warmup := f.do(t, http.MethodGet, "/health", nil)
	warmup.Body.Close()

	resp := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "drover_api_requests_total")
}

// TestExecutionLogs tests both log representations once a run finishes.
func TestExecutionLogs(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.Start()
	pool := f.createPool(t, "log-pool")
	f.registerWorker(t, "w1", pool.ID)

	out := f.submitJob(t)
	f.awaitAssignment(t, "w1")
	f.engine.OnStatusUpdate("w1", &protocol.StatusUpdate{
		EventType: types.EventExecutionStarted,
		Timestamp: protocol.NowMillis(),
	})
	f.engine.OnLogChunk("w1", &protocol.LogChunk{
		Stream:    types.LogStreamStdout,
		Content:   []byte("line one\n"),
		Timestamp: protocol.NowMillis(),
	})
	f.engine.OnExecutionResult("w1", &protocol.ExecutionResult{Success: true, ExitCode: 0})
	f.awaitJobStatus(t, out.Job.ID, types.JobStatusCompleted)

	resp := f.do(t, http.MethodGet, "/executions/"+out.Execution.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs []types.ExecutionUpdate
	readJSON(t, resp, &logs)
	require.Len(t, logs, 1)
	assert.Equal(t, types.UpdateKindLog, logs[0].Kind)
	assert.Equal(t, types.LogStreamStdout, logs[0].Stream)
	assert.Equal(t, []byte("line one\n"), logs[0].Content)

	raw := f.do(t, http.MethodGet, "/executions/"+out.Execution.ID+"/logs?raw=true", nil)
	require.Equal(t, http.StatusOK, raw.StatusCode)
	defer raw.Body.Close()
	rawBody, err := io.ReadAll(raw.Body)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(rawBody))
}

// readSSE collects data payloads from an open event stream until the
// final update or the deadline.
func readSSE(t *testing.T, body io.ReadCloser, deadline time.Duration) []types.ExecutionUpdate {
	t.Helper()
	updates := make(chan types.ExecutionUpdate, 32)
	go func() {
		defer close(updates)
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 512)
		for {
			n, err := body.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
				for {
					idx := bytes.IndexByte(buf, '\n')
					if idx < 0 {
						break
					}
					line := string(buf[:idx])
					buf = buf[idx+1:]
					if !strings.HasPrefix(line, "data: ") {
						continue
					}
					var u types.ExecutionUpdate
					if json.Unmarshal([]byte(line[len("data: "):]), &u) == nil {
						updates <- u
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	var got []types.ExecutionUpdate
	timer := time.After(deadline)
	for {
		select {
		case u, open := <-updates:
			if !open {
				return got
			}
			got = append(got, u)
			if u.Final {
				return got
			}
		case <-timer:
			t.Fatalf("no final update within %s, got %d updates", deadline, len(got))
		}
	}
}

// TestExecutionEventsStream tests a live SSE subscription: replayed
// history plus streamed updates, ending with the final event.
func TestExecutionEventsStream(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.Start()
	pool := f.createPool(t, "sse-pool")
	f.registerWorker(t, "w1", pool.ID)

	out := f.submitJob(t)
	f.awaitAssignment(t, "w1")

	resp, err := http.Get(f.ts.URL + "/executions/" + out.Execution.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.engine.OnStatusUpdate("w1", &protocol.StatusUpdate{
		EventType: types.EventExecutionStarted,
		Message:   "pipeline started",
		Timestamp: protocol.NowMillis(),
	})
	f.engine.OnExecutionResult("w1", &protocol.ExecutionResult{Success: true, ExitCode: 0})

	got := readSSE(t, resp.Body, 3*time.Second)
	require.NotEmpty(t, got)

	last := got[len(got)-1]
	assert.True(t, last.Final)
	assert.Equal(t, types.EventExecutionCompleted, last.EventType)

	var sawStarted bool
	for _, u := range got {
		assert.Equal(t, out.Execution.ID, u.ExecutionID)
		if u.EventType == types.EventExecutionStarted {
			sawStarted = true
		}
	}
	assert.True(t, sawStarted, "stream should include the started event")

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq, "sequence numbers must increase")
	}
}

// TestExecutionEventsReplay tests that subscribing after the execution
// finished replays retained history and closes.
func TestExecutionEventsReplay(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.Start()
	pool := f.createPool(t, "replay-pool")
	f.registerWorker(t, "w1", pool.ID)

	out := f.submitJob(t)
	f.awaitAssignment(t, "w1")
	f.engine.OnStatusUpdate("w1", &protocol.StatusUpdate{
		EventType: types.EventExecutionStarted,
		Timestamp: protocol.NowMillis(),
	})
	f.engine.OnExecutionResult("w1", &protocol.ExecutionResult{Success: true, ExitCode: 0})
	f.awaitJobStatus(t, out.Job.ID, types.JobStatusCompleted)

	resp, err := http.Get(f.ts.URL + "/executions/" + out.Execution.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := readSSE(t, resp.Body, 3*time.Second)
	require.NotEmpty(t, got)
	assert.True(t, got[len(got)-1].Final)
	assert.Equal(t, types.EventExecutionCompleted, got[len(got)-1].EventType)
}

// TestExecutionEventsUnknown tests that the events route 404s before
// upgrading to a stream.
func TestExecutionEventsUnknown(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/executions/ghost/events", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	readJSON(t, resp, &body)
	assert.Equal(t, "NOT_FOUND", body.Error)
}
