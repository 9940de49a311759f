package types

import (
	"regexp"
	"time"

	"github.com/droverhq/drover/pkg/errors"
)

// JobPriority orders jobs in the dispatch queue. Higher runs first.
type JobPriority int

const (
	PriorityLow      JobPriority = 1
	PriorityNormal   JobPriority = 5
	PriorityHigh     JobPriority = 10
	PriorityCritical JobPriority = 20
)

// ParsePriority maps a priority name to its weight. "MEDIUM" is accepted
// as an alias for NORMAL. Empty input means NORMAL.
func ParsePriority(s string) (JobPriority, error) {
	switch s {
	case "", "NORMAL", "MEDIUM":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return 0, errors.Validationf("unknown priority %q", s)
	}
}

// Job is one unit of submitted work. A job owns a sequence of executions;
// at most one execution is live at a time.
type Job struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Priority             JobPriority       `json:"priority"`
	TemplateID           string            `json:"templateId,omitempty"`
	TemplateVersion      string            `json:"templateVersion,omitempty"`
	Spec                 *JobSpec          `json:"spec,omitempty"`
	ResourceRequirements map[string]string `json:"resourceRequirements,omitempty"`
	Strategy             string            `json:"strategy,omitempty"`
	Status               JobStatus         `json:"status"`
	RetryCount           int               `json:"retryCount"`
	MaxRetries           int               `json:"maxRetries"`
	LatestExecutionID    string            `json:"latestExecutionId,omitempty"`
	ErrorMessage         string            `json:"errorMessage,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
}

// Validate checks the submission-time invariants: a name, a payload
// (template reference or inline spec), and well-formed tasks.
func (j *Job) Validate() error {
	if j.Name == "" {
		return errors.Validationf("job name must not be empty")
	}
	if j.TemplateID == "" && j.Spec == nil {
		return errors.Validationf("job %q needs a templateId or an inline spec", j.Name)
	}
	if j.MaxRetries < 0 {
		return errors.Validationf("maxRetries must not be negative")
	}
	if j.Spec != nil {
		if err := j.Spec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// JobSpec is the inline pipeline definition: an ordered list of tasks the
// worker runs sequentially. The task payloads are opaque to the
// orchestrator beyond their union shape.
type JobSpec struct {
	Name  string            `json:"name,omitempty"`
	Tasks []Task            `json:"tasks"`
	Env   map[string]string `json:"env,omitempty"`
}

// Validate rejects empty pipelines and malformed task unions.
func (s *JobSpec) Validate() error {
	if len(s.Tasks) == 0 {
		return errors.Validationf("job spec has no tasks")
	}
	for i := range s.Tasks {
		if err := s.Tasks[i].Validate(); err != nil {
			return errors.Wrapf(err, "task %d", i)
		}
	}
	return nil
}

// Task is a tagged union: exactly one variant is set.
type Task struct {
	Shell        *ShellTask        `json:"shell,omitempty"`
	KotlinScript *KotlinScriptTask `json:"kotlin_script,omitempty"`
}

// Validate enforces the exactly-one-variant rule.
func (t *Task) Validate() error {
	set := 0
	if t.Shell != nil {
		set++
		if t.Shell.Command == "" {
			return errors.Validationf("shell task has an empty command")
		}
	}
	if t.KotlinScript != nil {
		set++
		if t.KotlinScript.Content == "" {
			return errors.Validationf("kotlin_script task has empty content")
		}
	}
	if set != 1 {
		return errors.Validationf("task must set exactly one of shell or kotlin_script, got %d", set)
	}
	return nil
}

// ShellTask runs a command through the worker's shell.
type ShellTask struct {
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
}

// KotlinScriptTask carries an opaque script payload; the orchestrator
// never interprets Content.
type KotlinScriptTask struct {
	Content   string   `json:"content"`
	Libraries []string `json:"libraries,omitempty"`
}

// Execution is one attempt to run one job on one worker in one pool.
// Status is the coarse persisted view; State is the fine-grained machine
// state the engine drives.
type Execution struct {
	ID            string            `json:"id"`
	JobID         string            `json:"jobId"`
	PoolID        string            `json:"poolId,omitempty"`
	WorkerID      string            `json:"workerId,omitempty"`
	Status        ExecutionStatus   `json:"status"`
	State         ExecutionState    `json:"state"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	ResourceUsage map[string]string `json:"resourceUsage,omitempty"`
	ExitCode      *int              `json:"exitCode,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// UpdateKind separates progress events from log chunks in fanout streams.
type UpdateKind string

const (
	UpdateKindEvent UpdateKind = "EVENT"
	UpdateKindLog   UpdateKind = "LOG"
)

// ExecutionUpdate is one item on a subscription stream. Seq is a
// per-execution sequence number assigned in publish order. Exactly one
// update per execution carries Final; an overflow close also sets Dropped
// on its synthetic final update.
type ExecutionUpdate struct {
	ExecutionID string     `json:"executionId"`
	JobID       string     `json:"jobId,omitempty"`
	Seq         uint64     `json:"seq"`
	Kind        UpdateKind `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"`

	EventType EventType      `json:"eventType,omitempty"`
	State     ExecutionState `json:"state,omitempty"`
	Message   string         `json:"message,omitempty"`
	Final     bool           `json:"final,omitempty"`
	Dropped   uint64         `json:"dropped,omitempty"`

	Stream  LogStream `json:"stream,omitempty"`
	Content []byte    `json:"content,omitempty"`
}

// WorkerCapabilities describes what a worker host offers.
type WorkerCapabilities struct {
	CPUMillis    int64             `json:"cpuMillis"`
	MemoryBytes  int64             `json:"memoryBytes"`
	StorageBytes int64             `json:"storageBytes"`
	Labels       map[string]string `json:"labels,omitempty"`
	Tools        []string          `json:"tools,omitempty"`
}

// Satisfies reports whether the capabilities cover a request. Zero-valued
// request fields are unconstrained; every requested tool must be present.
func (c WorkerCapabilities) Satisfies(cpuMillis, memoryBytes, storageBytes int64, tools []string) bool {
	if cpuMillis > 0 && c.CPUMillis < cpuMillis {
		return false
	}
	if memoryBytes > 0 && c.MemoryBytes < memoryBytes {
		return false
	}
	if storageBytes > 0 && c.StorageBytes < storageBytes {
		return false
	}
	for _, tool := range tools {
		found := false
		for _, have := range c.Tools {
			if have == tool {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Worker is a managed execution host holding exactly one stream to the
// orchestrator and running at most one execution at a time.
type Worker struct {
	ID                string             `json:"id"`
	PoolID            string             `json:"poolId"`
	Capabilities      WorkerCapabilities `json:"capabilities"`
	Status            WorkerStatus       `json:"status"`
	LastHeartbeat     time.Time          `json:"lastHeartbeat"`
	ActiveExecutionID string             `json:"activeExecutionId,omitempty"`
	SessionToken      string             `json:"sessionToken,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// QuotaBand is a requests/limits pair for one resource dimension.
// Requests is advisory; Limits bounds admission.
type QuotaBand struct {
	Requests int64 `json:"requests"`
	Limits   int64 `json:"limits"`
}

// PoolQuotas bounds aggregate usage for a pool. CPU is in millicores,
// memory and storage in bytes. Zero limits mean unlimited.
type PoolQuotas struct {
	CPU               QuotaBand        `json:"cpu"`
	Memory            QuotaBand        `json:"memory"`
	StorageBytes      int64            `json:"storageBytes,omitempty"`
	MaxWorkers        int              `json:"maxWorkers,omitempty"`
	MaxJobs           int              `json:"maxJobs,omitempty"`
	MaxConcurrentJobs int              `json:"maxConcurrentJobs,omitempty"`
	CustomLimits      map[string]int64 `json:"customLimits,omitempty"`
}

// ResourcePool is a named slice of capacity; every admission decision
// happens at pool granularity.
type ResourcePool struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Status      PoolStatus        `json:"status"`
	Quotas      PoolQuotas        `json:"quotas"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

var poolNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidatePoolName enforces DNS-label form: lowercase alphanumerics and
// hyphens, no leading/trailing hyphen, at most 63 characters.
func ValidatePoolName(name string) error {
	if name == "" {
		return errors.Validationf("pool name must not be empty")
	}
	if len(name) > 63 {
		return errors.Validationf("pool name %q exceeds 63 characters", name)
	}
	if !poolNameRe.MatchString(name) {
		return errors.Validationf("pool name %q is not a DNS label (lowercase alphanumeric and hyphens)", name)
	}
	return nil
}

// ResourceUsage is the ledger's live per-pool tally. CPU in millicores,
// memory/storage in bytes; JobsRunning counts reservations that reached
// STARTED, JobsQueued the ones still waiting for a worker.
type ResourceUsage struct {
	CPUMillis    int64            `json:"cpuMillis"`
	MemoryBytes  int64            `json:"memoryBytes"`
	StorageBytes int64            `json:"storageBytes"`
	JobsRunning  int              `json:"jobsRunning"`
	JobsQueued   int              `json:"jobsQueued"`
	Workers      int              `json:"workers"`
	Custom       map[string]int64 `json:"custom,omitempty"`
}

// PoolUtilization is a live capacity snapshot used by placement. CPU is
// in real cores here because the scoring formulas are ratio arithmetic.
type PoolUtilization struct {
	PoolID           string    `json:"poolId"`
	TotalCPU         float64   `json:"totalCpu"`
	UsedCPU          float64   `json:"usedCpu"`
	TotalMemoryBytes int64     `json:"totalMemoryBytes"`
	UsedMemoryBytes  int64     `json:"usedMemoryBytes"`
	TotalDiskBytes   int64     `json:"totalDiskBytes"`
	UsedDiskBytes    int64     `json:"usedDiskBytes"`
	RunningJobs      int       `json:"runningJobs"`
	QueuedJobs       int       `json:"queuedJobs"`
	Timestamp        time.Time `json:"timestamp"`
}

// Candidate pairs a pool with its utilization snapshot for placement.
type Candidate struct {
	Pool        *ResourcePool
	Utilization *PoolUtilization
}

// AdmissionResult is the ledger's answer to "can pool P take N more of
// this request".
type AdmissionResult struct {
	Requested       int      `json:"requested"`
	CanAccommodate  int      `json:"canAccommodate"`
	Constraints     []string `json:"constraints,omitempty"`
	LimitingFactors []string `json:"limitingFactors,omitempty"`
}

// Available reports full admission of the requested count.
func (r AdmissionResult) Available() bool { return r.CanAccommodate >= r.Requested }

// Unavailable reports that not even one instance fits.
func (r AdmissionResult) Unavailable() bool { return r.CanAccommodate == 0 }
