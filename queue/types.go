// Package queue implements the priority job queue: admission control,
// per-user single-task enforcement, Redis<->DB failover for submissions,
// and retention cleanup. It corresponds to C3 (User-Task Index), C6 (Queue
// Manager) and C11 (Security Gate) of the design.
package queue

import "time"

// Priority is one of the four named FIFO buckets a job can be admitted into.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every priority in highest-first polling order. A worker
// bound to a subset of these must still honor this relative order.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is the durable record of a caption-generation job. Settings is an
// opaque blob handed verbatim to the CaptionAdapter; the queue never parses
// it.
type Job struct {
	ID                    string
	UserID                string
	PlatformConnectionID  string
	Priority              Priority
	Status                Status
	Settings              string
	CreatedAt             time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	ErrorMessage          string
	ProgressPercent       int
	CurrentStep           string
}

// ClampPercent enforces the [0,100] invariant on progress percentages.
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// BackoffKind selects the curve used to compute a retry delay.
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy governs job-body-error retries only; infrastructure errors
// never consult this policy (see DESIGN.md, Open Question on retry wiring).
type RetryPolicy struct {
	MaxRetries int
	Backoff    BackoffKind
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay computes the backoff deadline for retry attempt n (1-indexed),
// clamped at MaxDelay.
func (r RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch r.Backoff {
	case BackoffLinear:
		d = r.BaseDelay * time.Duration(attempt)
	case BackoffExponential:
		d = r.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
		}
	default: // fixed
		d = r.BaseDelay
	}
	if d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// QueueConfig binds a Priority to its Redis list name, timeout and retry
// policy.
type QueueConfig struct {
	ListName    string
	MaxWorkers  int
	Timeout     time.Duration
	RetryPolicy RetryPolicy
}

// AdmissionMode selects how strictly the single-task-per-user invariant is
// enforced at admission (see DESIGN.md).
type AdmissionMode string

const (
	// AdmissionBestEffort reproduces the original's plain COUNT(*) check:
	// not race-free across concurrent submitters, acceptable because
	// DB_ONLY is already a degraded state.
	AdmissionBestEffort AdmissionMode = "best_effort"
	// AdmissionStrict additionally takes a distributed lock around both the
	// Redis and the DB-mode admission paths so the invariant holds across
	// processes too.
	AdmissionStrict AdmissionMode = "strict"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	QueuePrefix        string
	DefaultTimeout      time.Duration
	JobTTL              time.Duration
	UserTaskTTL         time.Duration
	Queues              map[Priority]QueueConfig
	AdmissionMode       AdmissionMode
	MigrateBatchSize    int
	CompletedRetention   time.Duration
	FailedRetention      time.Duration
}

// DefaultManagerConfig returns the defaults named in spec.md §4.6 and §6.
func DefaultManagerConfig(prefix string) ManagerConfig {
	def := 300 * time.Second
	cfg := ManagerConfig{
		QueuePrefix:      prefix,
		DefaultTimeout:   def,
		JobTTL:           7200 * time.Second,
		UserTaskTTL:      7200 * time.Second,
		AdmissionMode:    AdmissionBestEffort,
		MigrateBatchSize: 100,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		Queues:           make(map[Priority]QueueConfig),
	}
	timeouts := map[Priority]time.Duration{
		PriorityUrgent: 600 * time.Second,
		PriorityHigh:   def,
		PriorityNormal: def,
		PriorityLow:    900 * time.Second,
	}
	for _, p := range Priorities {
		cfg.Queues[p] = QueueConfig{
			ListName: prefix + string(p),
			Timeout:  timeouts[p],
			RetryPolicy: RetryPolicy{
				MaxRetries: 3,
				Backoff:    BackoffExponential,
				BaseDelay:  time.Second,
				MaxDelay:   30 * time.Second,
			},
		}
	}
	return cfg
}

// Stats summarizes queue depth and durable-store counts for monitoring.
type Stats struct {
	PendingByPriority  map[Priority]int64
	FailedByPriority   map[Priority]int64
	FinishedByPriority map[Priority]int64
	StartedByPriority  map[Priority]int64
	ByStatus           map[Status]int64
	DBFallbackRows     int64
}
