package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
	gopsutilprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/vedfolnir/capq/progress"
	"github.com/vedfolnir/capq/queue"
	"github.com/vedfolnir/capq/queue/pg"
)

// ErrMemoryLimitExceeded is returned by Run when the worker exits after
// finishing its current job because it crossed its configured memory
// ceiling. The Worker Manager logs this exit like any other and drops the
// worker; it does not start a replacement.
var ErrMemoryLimitExceeded = fmt.Errorf("worker: memory limit exceeded")

type Config struct {
	WorkerID      string
	ListNames     []string // priority-ordered, highest first
	PollTimeout   time.Duration
	HeartbeatTTL  time.Duration
	MemoryLimitMB int
}

func DefaultConfig(workerID string, listNames []string) Config {
	return Config{
		WorkerID:      workerID,
		ListNames:     listNames,
		PollTimeout:   5 * time.Second,
		HeartbeatTTL:  300 * time.Second,
		MemoryLimitMB: 500,
	}
}

// Callbacks fire at the points spec.md §4.8 step 3 names. All are optional.
type Callbacks struct {
	OnJobStarted  func(jobID string)
	OnJobFinished func(jobID string)
	OnJobFailed   func(jobID, message string)
}

// IntegratedWorker is C8: a cooperative task bound to an ordered queue
// list, processing exactly one job at a time.
type IntegratedWorker struct {
	cfg       Config
	redis     *redis.Client
	store     *pg.Store
	users     *queue.UserTaskIndex
	sessions  *SessionManager
	adapter   CaptionAdapter
	tracker   *progress.Tracker
	logger    *logharbour.Logger
	callbacks Callbacks

	stopFlag atomic.Bool

	jobsSucceeded int64
	jobsFailed    int64

	mu         sync.Mutex
	currentJob string
	lastMemMB  float64
}

// NewIntegratedWorker wires one cooperative worker. tracker may be nil,
// in which case progress reporting and terminal progress events are
// skipped entirely -- a platform that doesn't care about live progress
// pays nothing for it.
func NewIntegratedWorker(cfg Config, redisClient *redis.Client, store *pg.Store, users *queue.UserTaskIndex, sessions *SessionManager, adapter CaptionAdapter, tracker *progress.Tracker, logger *logharbour.Logger, callbacks Callbacks) *IntegratedWorker {
	return &IntegratedWorker{
		cfg: cfg, redis: redisClient, store: store, users: users,
		sessions: sessions, adapter: adapter, tracker: tracker, logger: logger, callbacks: callbacks,
	}
}

func (w *IntegratedWorker) registrationKey() string {
	return fmt.Sprintf("rq:workers:%s", w.cfg.WorkerID)
}

func (w *IntegratedWorker) heartbeatKey() string {
	return fmt.Sprintf("rq:active_workers:%s", w.cfg.WorkerID)
}

// Stop sets the cooperative stop flag. The worker finishes its current
// job, if any, and exits from its next poll.
func (w *IntegratedWorker) Stop() { w.stopFlag.Store(true) }

func (w *IntegratedWorker) Stats() (succeeded, failed int64) {
	return atomic.LoadInt64(&w.jobsSucceeded), atomic.LoadInt64(&w.jobsFailed)
}

// CurrentJob returns the job id this worker is executing, or "" if idle.
func (w *IntegratedWorker) CurrentJob() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJob
}

// LastMemoryMB returns the most recently sampled process RSS in MB.
func (w *IntegratedWorker) LastMemoryMB() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMemMB
}

// Run registers the worker, then polls until the context is cancelled,
// Stop is called, or the worker exceeds its memory ceiling.
func (w *IntegratedWorker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return fmt.Errorf("worker %s: registering: %w", w.cfg.WorkerID, err)
	}

	proc, _ := gopsutilprocess.NewProcess(int32(os.Getpid()))

	for {
		if w.stopFlag.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := w.sampleMemory(proc); err != nil && w.logger != nil {
			w.logger.Warn().LogActivity("memory sample failed", map[string]any{"worker_id": w.cfg.WorkerID, "error": err.Error()})
		}

		if err := w.heartbeat(ctx); err != nil && w.logger != nil {
			w.logger.Warn().LogActivity("worker heartbeat failed", map[string]any{"worker_id": w.cfg.WorkerID, "error": err.Error()})
		}

		if w.overMemoryLimit() {
			return ErrMemoryLimitExceeded
		}

		ref, ok, err := w.poll(ctx)
		if err != nil {
			if w.logger != nil {
				w.logger.Error(err).LogActivity("poll failed", map[string]any{"worker_id": w.cfg.WorkerID})
			}
			continue
		}
		if !ok {
			continue
		}

		w.execute(ctx, ref)
	}
}

func (w *IntegratedWorker) register(ctx context.Context) error {
	if err := w.redis.HSet(ctx, w.registrationKey(), map[string]any{
		"started_at": time.Now().Format(time.RFC3339),
		"queues":     fmt.Sprintf("%v", w.cfg.ListNames),
		"worker_id":  w.cfg.WorkerID,
		"type":       "integrated",
	}).Err(); err != nil {
		return err
	}
	if err := w.redis.Expire(ctx, w.registrationKey(), w.cfg.HeartbeatTTL).Err(); err != nil {
		return err
	}
	return w.heartbeat(ctx)
}

// heartbeat refreshes the TTL'd liveness key and rewrites the registration
// hash's volatile fields (spec.md §3's Worker record) so freshness, memory,
// current job and success/fail counts are readable from Redis by any
// process. HealthReport reads last_heartbeat from it; the other values it
// reports come from the worker's in-process state.
func (w *IntegratedWorker) heartbeat(ctx context.Context) error {
	now := time.Now().Format(time.RFC3339)
	succeeded, failed := w.Stats()
	w.mu.Lock()
	currentJob, memMB := w.currentJob, w.lastMemMB
	w.mu.Unlock()

	if err := w.redis.Set(ctx, w.heartbeatKey(), now, w.cfg.HeartbeatTTL).Err(); err != nil {
		return err
	}
	if err := w.redis.HSet(ctx, w.registrationKey(), map[string]any{
		"last_heartbeat": now,
		"memory_mb":      memMB,
		"current_job_id": currentJob,
		"success_count":  succeeded,
		"fail_count":     failed,
	}).Err(); err != nil {
		return err
	}
	return w.redis.Expire(ctx, w.registrationKey(), w.cfg.HeartbeatTTL).Err()
}

// sampleMemory records the process's current RSS for the next heartbeat
// write, independent of whether a memory ceiling is configured.
func (w *IntegratedWorker) sampleMemory(proc *gopsutilprocess.Process) error {
	if proc == nil {
		return nil
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lastMemMB = float64(info.RSS) / (1024 * 1024)
	w.mu.Unlock()
	return nil
}

func (w *IntegratedWorker) overMemoryLimit() bool {
	if w.cfg.MemoryLimitMB <= 0 {
		return false
	}
	w.mu.Lock()
	memMB := w.lastMemMB
	w.mu.Unlock()
	return memMB > float64(w.cfg.MemoryLimitMB)
}

// setCurrentJob records the job id a worker is processing, for the
// registration hash's current_job_id field; cleared once execute returns.
func (w *IntegratedWorker) setCurrentJob(jobID string) {
	w.mu.Lock()
	w.currentJob = jobID
	w.mu.Unlock()
}

// poll issues one BLPop across every bound list in priority order --
// Redis itself honors key order when several are ready, which is what
// gives us the "always drain Urgent before High" guarantee.
func (w *IntegratedWorker) poll(ctx context.Context) (queue.JobRef, bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout+time.Second)
	defer cancel()

	res, err := w.redis.BLPop(pollCtx, w.cfg.PollTimeout, w.cfg.ListNames...).Result()
	if err == redis.Nil {
		return queue.JobRef{}, false, nil
	}
	if err != nil {
		return queue.JobRef{}, false, err
	}
	if len(res) != 2 {
		return queue.JobRef{}, false, fmt.Errorf("worker: unexpected BLPOP reply shape")
	}
	ref, err := queue.DecodeJobRef(res[1])
	if err != nil {
		return queue.JobRef{}, false, fmt.Errorf("worker: decoding job ref: %w", err)
	}
	return ref, true, nil
}

func (w *IntegratedWorker) execute(ctx context.Context, ref queue.JobRef) {
	w.setCurrentJob(ref.JobID)
	defer w.setCurrentJob("")

	if w.callbacks.OnJobStarted != nil {
		w.callbacks.OnJobStarted(ref.JobID)
	}

	jobCtx := ctx
	var cancel context.CancelFunc
	if ref.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, ref.Timeout)
		defer cancel()
	}

	if w.store != nil {
		if err := w.store.MarkRunning(jobCtx, ref.JobID); err != nil && w.logger != nil {
			w.logger.Warn().LogActivity("mark running failed", map[string]any{"job_id": ref.JobID, "error": err.Error()})
		}
	}

	runErr := w.runWithRetry(jobCtx, ref)

	if w.users != nil {
		_ = w.users.Clear(jobCtx, ref.UserID)
	}

	if runErr != nil {
		atomic.AddInt64(&w.jobsFailed, 1)
		sanitized := sanitizeFailureMessage(runErr)
		if w.store != nil {
			if err := w.store.MarkTerminal(jobCtx, ref.JobID, string(queue.StatusFailed), sanitized); err != nil && w.logger != nil {
				w.logger.Warn().LogActivity("mark failed failed", map[string]any{"job_id": ref.JobID, "error": err.Error()})
			}
		}
		if w.tracker != nil {
			if err := w.tracker.Fail(jobCtx, ref.JobID, sanitized, nil); err != nil && w.logger != nil {
				w.logger.Warn().LogActivity("progress fail event failed", map[string]any{"job_id": ref.JobID, "error": err.Error()})
			}
		}
		if w.callbacks.OnJobFailed != nil {
			w.callbacks.OnJobFailed(ref.JobID, sanitized)
		}
		return
	}

	atomic.AddInt64(&w.jobsSucceeded, 1)
	if w.store != nil {
		if err := w.store.MarkTerminal(jobCtx, ref.JobID, string(queue.StatusCompleted), ""); err != nil && w.logger != nil {
			w.logger.Warn().LogActivity("mark completed failed", map[string]any{"job_id": ref.JobID, "error": err.Error()})
		}
	}
	if w.tracker != nil {
		if err := w.tracker.Complete(jobCtx, ref.JobID, nil); err != nil && w.logger != nil {
			w.logger.Warn().LogActivity("progress complete event failed", map[string]any{"job_id": ref.JobID, "error": err.Error()})
		}
	}
	if w.callbacks.OnJobFinished != nil {
		w.callbacks.OnJobFinished(ref.JobID)
	}
}

// runWithRetry runs the job body, retrying job-body failures per ref's
// RetryPolicy -- infrastructure errors surfaced by poll/heartbeat never
// reach here, so every retry in this loop is adapter-reported. Each
// attempt gets its own transaction via SessionManager.Wrap.
func (w *IntegratedWorker) runWithRetry(ctx context.Context, ref queue.JobRef) error {
	var reporter ProgressReporter = noopProgressReporter{}
	if w.tracker != nil {
		reporter = w.tracker
	}

	attempts := uint(ref.RetryPolicy.MaxRetries) + 1
	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			return w.sessions.Wrap(ctx, w.cfg.WorkerID, func(ctx context.Context, s *Session) error {
				return w.adapter.ProcessCaptionTask(ctx, s, ref.JobID, reporter)
			})
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
			return ref.RetryPolicy.Delay(int(n) + 1)
		}),
		retry.OnRetry(func(n uint, err error) {
			if w.logger != nil {
				w.logger.Warn().LogActivity("job retry", map[string]any{
					"job_id": ref.JobID, "attempt": attempt, "error": err.Error(),
				})
			}
		}),
	)
}

func sanitizeFailureMessage(err error) string {
	msg := err.Error()
	gate := queue.NewSecurityGate(nil)
	return gate.Sanitize(msg)
}
