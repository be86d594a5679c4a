// Package workermanager implements the Worker Manager (C9): spawning and
// coordinating integrated and external workers, scaling, restarts, and
// aggregated health reporting.
package workermanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/vedfolnir/capq/metrics"
	"github.com/vedfolnir/capq/progress"
	"github.com/vedfolnir/capq/queue"
	"github.com/vedfolnir/capq/queue/pg"
	"github.com/vedfolnir/capq/worker"
)

// IntegratedGroup describes one group of same-bound integrated workers,
// e.g. {Queues: [Urgent, High], Count: 2}.
type IntegratedGroup struct {
	Name   string
	Queues []queue.Priority
	Count  int
}

// ExternalGroup is the analogue for OS-process workers.
type ExternalGroup struct {
	Name   string
	Queues []queue.Priority
	Count  int
}

type integratedHandle struct {
	worker    *worker.IntegratedWorker
	group     string
	listNames []string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager coordinates every running worker, integrated or external.
type Manager struct {
	redis      *redis.Client
	store      *pg.Store
	users      *queue.UserTaskIndex
	sessions   *worker.SessionManager
	adapter    worker.CaptionAdapter
	tracker    *progress.Tracker
	listNames  map[queue.Priority]string
	logger     *logharbour.Logger
	metrics    metrics.Metrics
	launcher   ProcessLauncher

	mu         sync.Mutex
	integrated map[string]*integratedHandle
	external   map[string]*externalHandle
	nextID     int
}

func NewManager(redisClient *redis.Client, store *pg.Store, users *queue.UserTaskIndex, sessions *worker.SessionManager, adapter worker.CaptionAdapter, tracker *progress.Tracker, listNames map[queue.Priority]string, logger *logharbour.Logger, m metrics.Metrics, launcher ProcessLauncher) *Manager {
	if m != nil {
		m.Register("capq_workers_running", "Gauge", "number of running workers by kind")
		m.Register("capq_jobs_processed_total", "Counter", "jobs processed across all workers")
		m.Register("capq_jobs_failed_total", "Counter", "jobs failed across all workers")
	}
	return &Manager{
		redis: redisClient, store: store, users: users, sessions: sessions,
		adapter: adapter, tracker: tracker, listNames: listNames, logger: logger, metrics: m, launcher: launcher,
		integrated: make(map[string]*integratedHandle),
		external:   make(map[string]*externalHandle),
	}
}

func (mgr *Manager) queueListNames(priorities []queue.Priority) []string {
	names := make([]string, 0, len(priorities))
	for _, p := range priorities {
		if name, ok := mgr.listNames[p]; ok {
			names = append(names, name)
		}
	}
	return names
}

// StartIntegratedWorkers spawns Count workers for each group and tracks
// them under their assigned worker ids.
func (mgr *Manager) StartIntegratedWorkers(ctx context.Context, groups []IntegratedGroup) ([]string, error) {
	var started []string
	for _, g := range groups {
		listNames := mgr.queueListNames(g.Queues)
		for i := 0; i < g.Count; i++ {
			id, err := mgr.spawnIntegrated(ctx, g.Name, listNames)
			if err != nil {
				return started, err
			}
			started = append(started, id)
		}
	}
	return started, nil
}

func (mgr *Manager) callbacksFor(workerID string) worker.Callbacks {
	return worker.Callbacks{
		OnJobFinished: func(jobID string) {
			if mgr.metrics != nil {
				mgr.metrics.Record("capq_jobs_processed_total", 1)
			}
		},
		OnJobFailed: func(jobID, message string) {
			if mgr.metrics != nil {
				mgr.metrics.Record("capq_jobs_failed_total", 1)
			}
			if mgr.logger != nil {
				mgr.logger.Warn().LogActivity("job failed", map[string]any{"worker_id": workerID, "job_id": jobID, "message": message})
			}
		},
	}
}

func (mgr *Manager) nextWorkerIDLocked(group string) string {
	mgr.nextID++
	return fmt.Sprintf("%s-%d", group, mgr.nextID)
}

func (mgr *Manager) recordRunningGauge() {
	if mgr.metrics == nil {
		return
	}
	mgr.metrics.Record("capq_workers_running", float64(len(mgr.integrated)+len(mgr.external)))
}

// StopWorkers stops every tracked worker. Integrated workers are asked to
// finish cooperatively within timeout; external ones are soft-terminated
// then hard-killed after timeout.
func (mgr *Manager) StopWorkers(ctx context.Context, graceful bool, timeout time.Duration) error {
	mgr.mu.Lock()
	handles := make([]*integratedHandle, 0, len(mgr.integrated))
	ids := make([]string, 0, len(mgr.integrated)+len(mgr.external))
	for id, h := range mgr.integrated {
		handles = append(handles, h)
		ids = append(ids, id)
	}
	extHandles := make([]*externalHandle, 0, len(mgr.external))
	for id, h := range mgr.external {
		extHandles = append(extHandles, h)
		ids = append(ids, id)
	}
	mgr.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		h.worker.Stop()
	}
	deadline := time.After(timeout)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			h.cancel()
			firstErr = fmt.Errorf("worker manager: integrated worker did not stop within %s", timeout)
		}
	}

	for _, h := range extHandles {
		if err := mgr.launcher.Stop(h.proc, graceful, timeout); err != nil {
			firstErr = err
		}
		if h.logFile != nil {
			_ = h.logFile.Close()
		}
	}

	mgr.mu.Lock()
	mgr.integrated = make(map[string]*integratedHandle)
	mgr.external = make(map[string]*externalHandle)
	mgr.mu.Unlock()

	if err := mgr.cleanupCoordination(ctx, ids); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// cleanupCoordination releases worker-registration keys this process
// owns. Stale keys from other processes are left to TTL expiry.
func (mgr *Manager) cleanupCoordination(ctx context.Context, ids []string) error {
	var firstErr error
	for _, id := range ids {
		if err := mgr.redis.Del(ctx, fmt.Sprintf("rq:workers:%s", id), fmt.Sprintf("rq:active_workers:%s", id)).Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestartWorker stops the named worker and starts a fresh one bound to
// the same queue list.
func (mgr *Manager) RestartWorker(ctx context.Context, workerID string) (string, error) {
	mgr.mu.Lock()
	h, ok := mgr.integrated[workerID]
	mgr.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("worker manager: unknown worker %s", workerID)
	}

	h.worker.Stop()
	select {
	case <-h.done:
	case <-time.After(30 * time.Second):
		h.cancel()
	}

	mgr.mu.Lock()
	delete(mgr.integrated, workerID)
	mgr.mu.Unlock()

	return mgr.spawnIntegrated(ctx, h.group, h.listNames)
}

// ScaleWorkers brings a queue's integrated worker count to targetCount --
// spawning new ones bound to that single queue, or setting stop flags on
// surplus workers so they drain their current job before exiting.
func (mgr *Manager) ScaleWorkers(ctx context.Context, p queue.Priority, targetCount int) error {
	listName, ok := mgr.listNames[p]
	if !ok {
		return fmt.Errorf("worker manager: unknown queue %s", p)
	}
	groupName := "scale-" + string(p)

	mgr.mu.Lock()
	var current []*integratedHandle
	for _, h := range mgr.integrated {
		if h.group == groupName {
			current = append(current, h)
		}
	}
	mgr.mu.Unlock()

	if len(current) < targetCount {
		for i := len(current); i < targetCount; i++ {
			if _, err := mgr.spawnIntegrated(ctx, groupName, []string{listName}); err != nil {
				return err
			}
		}
		return nil
	}
	for i := targetCount; i < len(current); i++ {
		current[i].worker.Stop()
	}
	return nil
}

func (mgr *Manager) spawnIntegrated(ctx context.Context, group string, listNames []string) (string, error) {
	mgr.mu.Lock()
	workerID := mgr.nextWorkerIDLocked(group)
	iw := worker.NewIntegratedWorker(
		worker.DefaultConfig(workerID, listNames),
		mgr.redis, mgr.store, mgr.users, mgr.sessions, mgr.adapter, mgr.tracker, mgr.logger,
		mgr.callbacksFor(workerID),
	)
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	mgr.integrated[workerID] = &integratedHandle{worker: iw, group: group, listNames: listNames, cancel: cancel, done: done}
	mgr.mu.Unlock()

	go func() {
		defer close(done)
		if err := iw.Run(workerCtx); err != nil && mgr.logger != nil {
			mgr.logger.Warn().LogActivity("integrated worker exited", map[string]any{"worker_id": workerID, "error": err.Error()})
		}
		mgr.mu.Lock()
		if h, ok := mgr.integrated[workerID]; ok && h.worker == iw {
			delete(mgr.integrated, workerID)
		}
		mgr.recordRunningGauge()
		mgr.mu.Unlock()
	}()
	mgr.recordRunningGauge()
	return workerID, nil
}

// HealthReport aggregates per-worker heartbeat freshness, memory, current
// job and success/fail counts (spec.md §4.9). Current job and memory come
// from the worker's own in-process state; heartbeat freshness is read
// directly from the coordination keys rather than cached, since another
// process's worker may have updated them.
type WorkerHealth struct {
	WorkerID      string
	Succeeded     int64
	Failed        int64
	CurrentJobID  string
	MemoryMB      float64
	LastHeartbeat time.Time
	Stale         bool
}

type HealthReport struct {
	Workers []WorkerHealth
}

func (mgr *Manager) HealthReport() HealthReport {
	mgr.mu.Lock()
	ids := make([]string, 0, len(mgr.integrated))
	workers := make(map[string]*worker.IntegratedWorker, len(mgr.integrated))
	for id, h := range mgr.integrated {
		ids = append(ids, id)
		workers[id] = h.worker
	}
	mgr.mu.Unlock()

	report := HealthReport{}
	for _, id := range ids {
		iw := workers[id]
		succeeded, failed := iw.Stats()
		wh := WorkerHealth{
			WorkerID:     id,
			Succeeded:    succeeded,
			Failed:       failed,
			CurrentJobID: iw.CurrentJob(),
			MemoryMB:     iw.LastMemoryMB(),
		}

		if ts, err := mgr.redis.HGet(context.Background(), fmt.Sprintf("rq:workers:%s", id), "last_heartbeat").Result(); err == nil {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				wh.LastHeartbeat = parsed
				wh.Stale = time.Since(parsed) > worker.DefaultConfig(id, nil).HeartbeatTTL
			}
		}
		report.Workers = append(report.Workers, wh)
	}
	return report
}
