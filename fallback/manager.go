package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/vedfolnir/capq/redisinfra"
)

// MigrationResult is what a Migrator reports back after one batch.
type MigrationResult struct {
	Succeeded int
	Failed    int
}

// Migrator is satisfied by queue.Manager; declaring the interface here
// (rather than importing the queue package) is what breaks the
// Queue Manager <-> Fallback Manager cycle spec.md §9 calls out --
// fallback never imports queue, it only calls back through this seam.
type Migrator interface {
	Migrate(ctx context.Context) (MigrationResult, error)
}

// CleanupTrigger is satisfied by components the manager asks to shed
// memory when Redis crosses 90% of its configured threshold (the Queue
// Manager's registry prune, the Progress Tracker's TTL shrink).
type CleanupTrigger interface {
	Cleanup(ctx context.Context) error
}

type Config struct {
	MonitorInterval         time.Duration
	ReconnectBase           time.Duration
	ReconnectCap            time.Duration
	MaxReconnectionAttempts int
	MemoryThreshold         float64
}

func DefaultConfig() Config {
	return Config{
		MonitorInterval:         30 * time.Second,
		ReconnectBase:           2 * time.Second,
		ReconnectCap:            300 * time.Second,
		MaxReconnectionAttempts: 10,
		MemoryThreshold:         0.8,
	}
}

// Manager is the sole writer of Mode. Transitions are serialized by mu.
type Manager struct {
	cfg    Config
	logger *logharbour.Logger

	health *redisinfra.HealthMonitor
	conn   *redisinfra.ConnectionManager

	mu        sync.Mutex
	state     State
	migration MigrationStats

	migrator Migrator
	cleanups []CleanupTrigger
	sinks    []AlertSink

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewManager(health *redisinfra.HealthMonitor, conn *redisinfra.ConnectionManager, logger *logharbour.Logger, cfg Config) *Manager {
	if cfg.MonitorInterval == 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		health: health,
		conn:   conn,
		// A fresh process assumes Redis is reachable until the Health
		// Monitor says otherwise (spec.md's end-to-end scenarios all start
		// in RQ_ONLY); handleRedisFailure demotes it on the first failure
		// edge like any other transition.
		state: State{Mode: ModeRQOnly},
	}
	if health != nil {
		health.RegisterFailureCallback(m.handleRedisFailure)
		health.RegisterRecoveryCallback(m.handleRedisRecovery)
	}
	return m
}

func (m *Manager) SetMigrator(mig Migrator)            { m.migrator = mig }
func (m *Manager) RegisterCleanupTrigger(c CleanupTrigger) { m.cleanups = append(m.cleanups, c) }
func (m *Manager) RegisterAlertSink(s AlertSink)        { m.sinks = append(m.sinks, s) }

func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) dispatch(a Alert) {
	a.At = time.Now()
	for _, s := range m.sinks {
		s.HandleAlert(a)
	}
}

// handleRedisFailure is registered with the Health Monitor. RQ_ONLY ->
// DB_ONLY on the first failure edge.
func (m *Manager) handleRedisFailure() {
	m.mu.Lock()
	previous := m.state.Mode
	if previous == ModeRQOnly || previous == ModeHybrid {
		now := time.Now()
		m.state.Mode = ModeDBOnly
		m.state.FallbackStartedAt = &now
		m.state.ReconnectionAttempts = 0
	}
	m.mu.Unlock()

	if previous == ModeRQOnly || previous == ModeHybrid {
		m.dispatch(Alert{
			Level:   AlertWarning,
			Message: "redis unavailable, falling back to database-only mode",
			Details: map[string]any{"previous_mode": string(previous)},
		})
	}
}

// handleRedisRecovery is registered with the Health Monitor. DB_ONLY ->
// RECOVERY, which triggers a Migrate() call.
func (m *Manager) handleRedisRecovery() {
	m.mu.Lock()
	previous := m.state.Mode
	if previous == ModeDBOnly {
		now := time.Now()
		m.state.Mode = ModeRecovery
		m.state.RecoveryStartedAt = &now
		m.state.ReconnectionAttempts = 0
	}
	m.mu.Unlock()

	if previous != ModeDBOnly {
		return
	}

	ctx := context.Background()
	m.runMigration(ctx)
}

func (m *Manager) runMigration(ctx context.Context) {
	if m.migrator == nil {
		return
	}
	result, err := m.migrator.Migrate(ctx)
	m.mu.Lock()
	m.migration.LastMigrationAt = time.Now()
	if err != nil || result.Failed > 0 {
		m.migration.MigrationFailures += int64(result.Failed)
		m.state.Mode = ModeDBOnly
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Error(err).LogActivity("migration batch failed", map[string]any{"failed": result.Failed})
		}
		return
	}
	m.migration.MigratedToRQ += int64(result.Succeeded)
	if result.Succeeded > 0 {
		m.state.Mode = ModeRQOnly
		m.mu.Unlock()
		m.dispatch(Alert{Level: AlertInfo, Message: "redis recovered, migration complete", Details: map[string]any{"migrated": result.Succeeded}})
		return
	}
	// Zero successes and zero failures: nothing was queued in the DB.
	// Recovery still completes -- there's simply nothing to migrate.
	m.state.Mode = ModeRQOnly
	m.mu.Unlock()
	m.dispatch(Alert{Level: AlertInfo, Message: "redis recovered, no pending rows to migrate"})
}

// ForceOverride is the admin-forced transition. It is only permitted into
// RQ_ONLY, and only when Redis is currently reachable.
func (m *Manager) ForceOverride(ctx context.Context, target Mode) error {
	if target != ModeRQOnly {
		return errInvalidOverride
	}
	healthy := m.health == nil || m.health.IsHealthy()
	if !healthy {
		return errRedisUnavailable
	}
	m.mu.Lock()
	m.state.Mode = ModeRQOnly
	m.mu.Unlock()
	return nil
}

// StartMonitoring runs the independent 30s-period loop: resample health,
// schedule reconnects with exponential backoff bounded by
// MaxReconnectionAttempts, and watch memory pressure.
func (m *Manager) StartMonitoring(ctx context.Context) {
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

func (m *Manager) tick(ctx context.Context) {
	if m.health == nil {
		return
	}
	status := m.health.CheckHealth(ctx)

	m.mu.Lock()
	m.state.LastCheckAt = time.Now()
	mode := m.state.Mode
	attempts := m.state.ReconnectionAttempts
	m.mu.Unlock()

	if !status.Healthy && (mode == ModeDBOnly || mode == ModeRecovery) {
		if attempts < m.cfg.MaxReconnectionAttempts && m.conn != nil {
			m.mu.Lock()
			m.state.ReconnectionAttempts++
			m.mu.Unlock()
			// GetConnection itself honors exponential backoff; this just
			// keeps the attempt counter and mode consistent while the
			// connection manager does the actual pacing.
			_, _ = m.conn.GetConnection(ctx)
		}
	}

	if status.Healthy && status.MemoryPct >= m.cfg.MemoryThreshold*0.9 {
		var cleanupFailed bool
		for _, c := range m.cleanups {
			if err := c.Cleanup(ctx); err != nil {
				cleanupFailed = true
			}
		}
		if status.MemoryPct >= m.cfg.MemoryThreshold && cleanupFailed {
			m.dispatch(Alert{
				Level:   AlertCritical,
				Message: "redis memory over threshold and cleanup failed",
				Details: map[string]any{"memory_pct": status.MemoryPct},
			})
		}
	}
}

func (m *Manager) StopMonitoring() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.wg.Wait()
	m.stop = nil
}
