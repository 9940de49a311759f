package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

const requestTimeout = 30 * time.Second

// Client talks to one orchestrator.
type Client struct {
	baseURL string

	// http serves bounded calls; stream serves SSE reads, whose
	// lifetime is the caller's context rather than a request timeout.
	http   *http.Client
	stream *http.Client
}

// New creates a client for the given API address, e.g.
// http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		stream:  &http.Client{},
	}
}

// JobRequest is the submit payload. Spec may be a *types.JobSpec or any
// JSON-shaped value; the server is the schema authority.
type JobRequest struct {
	Name                 string            `json:"name"`
	Priority             int               `json:"priority,omitempty"`
	TemplateID           string            `json:"templateId,omitempty"`
	TemplateVersion      string            `json:"templateVersion,omitempty"`
	Spec                 interface{}       `json:"spec,omitempty"`
	ResourceRequirements map[string]string `json:"resourceRequirements,omitempty"`
	Strategy             string            `json:"strategy,omitempty"`
	MaxRetries           int               `json:"maxRetries,omitempty"`
}

// SubmitResponse pairs the accepted job with its first execution.
type SubmitResponse struct {
	Job       *types.Job       `json:"job"`
	Execution *types.Execution `json:"execution"`
}

// PoolRequest is the create-pool payload.
type PoolRequest struct {
	Name        string            `json:"name"`
	Type        string            `json:"type,omitempty"`
	Quotas      types.PoolQuotas  `json:"quotas"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// PoolUsage reports live usage next to the limits it is judged by.
type PoolUsage struct {
	PoolID   string               `json:"poolId"`
	PoolName string               `json:"poolName"`
	Usage    *types.ResourceUsage `json:"usage"`
	Quotas   types.PoolQuotas     `json:"quotas"`
}

// SubmitJob creates a job and its first execution.
func (c *Client) SubmitJob(ctx context.Context, req JobRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var out types.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs lists jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string) ([]*types.Job, error) {
	path := "/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []*types.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelJob cancels the job's live execution. Cancelling a finished job
// is a no-op that returns the job unchanged.
func (c *Client) CancelJob(ctx context.Context, id, reason string) (*types.Job, error) {
	path := "/jobs/" + url.PathEscape(id)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	var out types.Job
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExecution fetches one execution.
func (c *Client) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	var out types.Execution
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListExecutions lists executions, optionally filtered by job and state.
func (c *Client) ListExecutions(ctx context.Context, jobID, state string) ([]*types.Execution, error) {
	q := url.Values{}
	if jobID != "" {
		q.Set("jobId", jobID)
	}
	if state != "" {
		q.Set("state", state)
	}
	path := "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*types.Execution
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelExecution cancels one execution. Idempotent on finished runs.
func (c *Client) CancelExecution(ctx context.Context, id, reason string) (*types.Execution, error) {
	path := "/executions/" + url.PathEscape(id)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	var out types.Execution
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecutionLogs fetches the retained log chunks in capture order.
func (c *Client) ExecutionLogs(ctx context.Context, id string) ([]types.ExecutionUpdate, error) {
	var out []types.ExecutionUpdate
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id)+"/logs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchEvents follows the execution's event stream, invoking fn for each
// update in arrival order. It returns nil after the final update, after
// fn returns false, or with the transport error that ended the stream.
func (c *Client) WatchEvents(ctx context.Context, executionID string, fn func(types.ExecutionUpdate) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/executions/"+url.PathEscape(executionID)+"/events", nil)
	if err != nil {
		return errors.OperationFailed(err, "build event stream request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return errors.OperationFailed(err, "open event stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var update types.ExecutionUpdate
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &update); err != nil {
			continue
		}
		if !fn(update) || update.Final {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.OperationFailed(err, "read event stream")
	}
	return errors.Newf("event stream closed before the final update")
}

// CreatePool creates a resource pool.
func (c *Client) CreatePool(ctx context.Context, req PoolRequest) (*types.ResourcePool, error) {
	var out types.ResourcePool
	if err := c.do(ctx, http.MethodPost, "/pools", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPool fetches one pool by id or name.
func (c *Client) GetPool(ctx context.Context, idOrName string) (*types.ResourcePool, error) {
	var out types.ResourcePool
	if err := c.do(ctx, http.MethodGet, "/pools/"+url.PathEscape(idOrName), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPools lists every pool.
func (c *Client) ListPools(ctx context.Context) ([]*types.ResourcePool, error) {
	var out []*types.ResourcePool
	if err := c.do(ctx, http.MethodGet, "/pools", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePool removes an empty pool by id or name.
func (c *Client) DeletePool(ctx context.Context, idOrName string) error {
	return c.do(ctx, http.MethodDelete, "/pools/"+url.PathEscape(idOrName), nil, nil)
}

// UpdateQuotas replaces a pool's quota limits.
func (c *Client) UpdateQuotas(ctx context.Context, idOrName string, quotas types.PoolQuotas) (*types.ResourcePool, error) {
	var out types.ResourcePool
	if err := c.do(ctx, http.MethodPut, "/pools/"+url.PathEscape(idOrName)+"/quotas", quotas, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PoolUsage reports a pool's live resource usage.
func (c *Client) PoolUsage(ctx context.Context, idOrName string) (*PoolUsage, error) {
	var out PoolUsage
	if err := c.do(ctx, http.MethodGet, "/pools/"+url.PathEscape(idOrName)+"/usage", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PoolViolations lists the quota dimensions a pool currently exceeds.
func (c *Client) PoolViolations(ctx context.Context, idOrName string) ([]string, error) {
	var out struct {
		Violations []string `json:"violations"`
	}
	if err := c.do(ctx, http.MethodGet, "/pools/"+url.PathEscape(idOrName)+"/violations", nil, &out); err != nil {
		return nil, err
	}
	return out.Violations, nil
}

// ListWorkers lists workers, optionally filtered by pool.
func (c *Client) ListWorkers(ctx context.Context, poolID string) ([]*types.Worker, error) {
	path := "/workers"
	if poolID != "" {
		path += "?poolId=" + url.QueryEscape(poolID)
	}
	var out []*types.Worker
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DrainWorker marks a worker as draining; it finishes its current task
// and receives no new ones.
func (c *Client) DrainWorker(ctx context.Context, id string) (*types.Worker, error) {
	var out types.Worker
	if err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(id)+"/drain", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports whether the orchestrator answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Ready reports whether the orchestrator's dependencies are serving.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/ready", nil, nil)
}

// do runs one JSON request. Non-2xx responses are translated back into
// pkg/errors values carrying the server's kind.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.OperationFailed(err, "marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.OperationFailed(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.OperationFailed(err, "call orchestrator")
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.OperationFailed(err, "decode response")
	}
	return nil
}

// decodeError rebuilds a pkg/errors value from the API error envelope.
func decodeError(resp *http.Response) error {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error == "" {
		return errors.Newf("orchestrator returned %d", resp.StatusCode)
	}

	switch envelope.Error {
	case errors.KindValidation.String():
		return errors.Validationf("%s", envelope.Message)
	case errors.KindNotFound.String():
		return errors.NotFoundf("%s", envelope.Message)
	case errors.KindConflict.String():
		return errors.Conflictf("%s", envelope.Message)
	case errors.KindBusinessRule.String():
		return errors.BusinessRulef("%s", envelope.Message)
	case errors.KindInsufficientResources.String():
		return errors.InsufficientResourcesf("%s", envelope.Message)
	case errors.KindTimeout.String():
		return errors.Timeoutf("%s", envelope.Message)
	default:
		// Specific codes (e.g. a 403 refusal) keep their label.
		return errors.WithCode(errors.Newf("%s", envelope.Message), envelope.Error)
	}
}
