package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/vedfolnir/capq/fallback"
	"github.com/vedfolnir/capq/queue/pg"
)

// ModeProvider answers the single question the Manager needs from the
// Fallback Manager -- which of RQ_ONLY/HYBRID/DB_ONLY/RECOVERY currently
// applies -- without importing the fallback package's Manager type
// directly, keeping the dependency one-directional (queue -> fallback for
// the Mode type only, never a live *fallback.Manager).
type ModeProvider interface {
	Mode() fallback.Mode
}

// Locker is satisfied by *redsync.Redsync, used only under AdmissionStrict.
type Locker interface {
	NewMutex(name string, options ...redsync.Option) *redsync.Mutex
}

// Manager is the Queue Manager (C6): admission, dispatch, migration and
// retention sweeps, guarded by a per-process mutex around the
// check-then-claim sequence described in spec.md §4.6 step 3.
type Manager struct {
	cfg    ManagerConfig
	redis  *redis.Client
	store  *pg.Store
	mode   ModeProvider
	locker Locker
	gate   *SecurityGate
	users  *UserTaskIndex
	logger *logharbour.Logger

	admitMu sync.Mutex
}

func NewManager(cfg ManagerConfig, redisClient *redis.Client, store *pg.Store, mode ModeProvider, locker Locker, logger *logharbour.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		redis:  redisClient,
		store:  store,
		mode:   mode,
		locker: locker,
		gate:   NewSecurityGate(redisClient),
		users:  NewUserTaskIndex(redisClient),
		logger: logger,
	}
}

// Enqueue admits a job per spec.md §4.6. job.ID may be empty, in which
// case a fresh ID is minted.
func (m *Manager) Enqueue(ctx context.Context, job Job) (string, error) {
	if !job.Priority.Valid() {
		return "", ErrInvalidPriority
	}

	jobID := job.ID
	if jobID == "" {
		minted, err := m.gate.MintJobID()
		if err != nil {
			return "", fmt.Errorf("enqueue: %w", err)
		}
		jobID = minted
	} else if !m.gate.ValidateJobID(jobID) {
		return "", ErrInvalidJobID
	}
	job.ID = jobID
	job.Status = StatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	mode := fallback.ModeRQOnly
	if m.mode != nil {
		mode = m.mode.Mode()
	}

	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	if mode == fallback.ModeRQOnly || mode == fallback.ModeHybrid {
		return m.enqueueRQ(ctx, job, mode)
	}
	return m.enqueueDB(ctx, job)
}

func (m *Manager) enqueueRQ(ctx context.Context, job Job, mode fallback.Mode) (string, error) {
	if m.cfg.AdmissionMode == AdmissionStrict && m.locker != nil {
		mutex := m.locker.NewMutex("capq:admit:" + job.UserID)
		if err := mutex.LockContext(ctx); err != nil {
			return "", fmt.Errorf("enqueue: acquiring admission lock: %w", err)
		}
		defer mutex.UnlockContext(ctx)
	}

	claimed, err := m.users.SetIfAbsent(ctx, job.UserID, job.ID, m.cfg.UserTaskTTL)
	if err != nil {
		return "", fmt.Errorf("enqueue: claiming user-task slot: %w", err)
	}
	if !claimed {
		return "", ErrUserHasActiveJob
	}

	rollback := func() { _ = m.users.Clear(ctx, job.UserID) }

	qcfg, ok := m.cfg.Queues[job.Priority]
	if !ok {
		rollback()
		return "", ErrInvalidPriority
	}

	if err := m.gate.RecordAuthorization(ctx, job.ID, job.UserID, job.PlatformConnectionID, m.cfg.JobTTL); err != nil {
		rollback()
		return "", fmt.Errorf("enqueue: recording authorization: %w", err)
	}

	payload := encodeJobRef(job, qcfg.Timeout, qcfg.RetryPolicy)
	if err := m.redis.LPush(ctx, qcfg.ListName, payload).Err(); err != nil {
		rollback()
		return "", fmt.Errorf("enqueue: pushing to %s: %w", qcfg.ListName, err)
	}

	if m.store != nil {
		if err := m.store.InsertQueued(ctx, toRow(job)); err != nil {
			rollback()
			return "", fmt.Errorf("enqueue: persisting row: %w", err)
		}
	}

	return job.ID, nil
}

func (m *Manager) enqueueDB(ctx context.Context, job Job) (string, error) {
	if m.store == nil {
		return "", fmt.Errorf("enqueue: no durable store configured for db_only mode")
	}
	if m.cfg.AdmissionMode == AdmissionStrict && m.locker != nil {
		mutex := m.locker.NewMutex("capq:admit:" + job.UserID)
		if err := mutex.LockContext(ctx); err != nil {
			return "", fmt.Errorf("enqueue: acquiring admission lock: %w", err)
		}
		defer mutex.UnlockContext(ctx)
	}

	n, err := m.store.CountActiveForUser(ctx, job.UserID)
	if err != nil {
		return "", fmt.Errorf("enqueue: checking active rows: %w", err)
	}
	if n > 0 {
		return "", ErrUserHasActiveJob
	}

	if err := m.store.InsertQueued(ctx, toRow(job)); err != nil {
		if err == pg.ErrDuplicateActiveTask {
			return "", ErrUserHasActiveJob
		}
		return "", fmt.Errorf("enqueue: persisting row: %w", err)
	}
	return job.ID, nil
}

// Migrate lifts durable Queued rows back onto Redis after recovery. It
// satisfies fallback.Migrator so the Fallback Manager can call it without
// importing this package.
func (m *Manager) Migrate(ctx context.Context) (fallback.MigrationResult, error) {
	if m.store == nil {
		return fallback.MigrationResult{}, nil
	}
	batch := m.cfg.MigrateBatchSize
	if batch <= 0 {
		batch = 100
	}
	rows, err := m.store.ListQueued(ctx, batch)
	if err != nil {
		return fallback.MigrationResult{}, fmt.Errorf("migrate: listing queued rows: %w", err)
	}

	var result fallback.MigrationResult
	for _, row := range rows {
		job := fromRow(row)
		qcfg, ok := m.cfg.Queues[job.Priority]
		if !ok {
			result.Failed++
			continue
		}

		claimed, err := m.users.SetIfAbsent(ctx, job.UserID, job.ID, m.cfg.UserTaskTTL)
		if err != nil || !claimed {
			result.Failed++
			continue
		}

		if err := m.gate.RecordAuthorization(ctx, job.ID, job.UserID, job.PlatformConnectionID, m.cfg.JobTTL); err != nil {
			result.Failed++
			_ = m.users.Clear(ctx, job.UserID)
			continue
		}

		payload := encodeJobRef(job, qcfg.Timeout, qcfg.RetryPolicy)
		if err := m.redis.LPush(ctx, qcfg.ListName, payload).Err(); err != nil {
			result.Failed++
			_ = m.users.Clear(ctx, job.UserID)
			continue
		}
		result.Succeeded++
	}
	if m.logger != nil {
		m.logger.Info().LogActivity("migration batch complete", map[string]any{
			"succeeded": result.Succeeded, "failed": result.Failed,
		})
	}
	return result, nil
}

// Cleanup sweeps durable rows past their retention windows. Redis-side
// finished/failed registry trimming (the RQ result-TTL analogue) happens
// naturally via key expiry, so this only needs to cover the durable store.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	if m.store == nil {
		return 0, nil
	}
	now := time.Now()
	return m.store.Sweep(ctx, now.Add(-m.cfg.CompletedRetention), now.Add(-m.cfg.FailedRetention))
}

// Stats reports per-queue depths and durable-store counts for C10/C9
// consumption.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		PendingByPriority:  make(map[Priority]int64),
		FailedByPriority:   make(map[Priority]int64),
		FinishedByPriority: make(map[Priority]int64),
		StartedByPriority:  make(map[Priority]int64),
		ByStatus:           make(map[Status]int64),
	}
	for p, qcfg := range m.cfg.Queues {
		n, err := m.redis.LLen(ctx, qcfg.ListName).Result()
		if err != nil {
			return stats, fmt.Errorf("stats: %s: %w", qcfg.ListName, err)
		}
		stats.PendingByPriority[p] = n
	}
	if m.store != nil {
		counts, err := m.store.CountByStatus(ctx)
		if err != nil {
			return stats, fmt.Errorf("stats: %w", err)
		}
		var total int64
		for status, n := range counts {
			stats.ByStatus[Status(status)] = n
			total += n
		}
		stats.DBFallbackRows = total

		byPriority, err := m.store.CountByStatusAndPriority(ctx)
		if err != nil {
			return stats, fmt.Errorf("stats: %w", err)
		}
		for p := range m.cfg.Queues {
			stats.FailedByPriority[p] = byPriority[string(StatusFailed)][string(p)]
			stats.FinishedByPriority[p] = byPriority[string(StatusCompleted)][string(p)]
			stats.StartedByPriority[p] = byPriority[string(StatusRunning)][string(p)]
		}
	}
	return stats, nil
}
