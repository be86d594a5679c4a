package fallback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/capq/redisinfra"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingSink) HandleAlert(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingSink) last() (Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.alerts) == 0 {
		return Alert{}, false
	}
	return r.alerts[len(r.alerts)-1], true
}

type stubMigrator struct {
	result MigrationResult
	err    error
}

func (s stubMigrator) Migrate(ctx context.Context) (MigrationResult, error) {
	return s.result, s.err
}

func newTestHealthMonitor(t *testing.T) (*redisinfra.HealthMonitor, *redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	health := redisinfra.NewHealthMonitor(redisClient, nil, redisinfra.DefaultHealthMonitorConfig())
	return health, redisClient, func() {
		redisClient.Close()
		mr.Close()
	}
}

func TestManagerStartsInRQOnly(t *testing.T) {
	health, redisClient, cleanup := newTestHealthMonitor(t)
	defer cleanup()
	_ = redisClient

	conn := redisinfra.NewConnectionManager("ignored:0", "", 0, redisinfra.DefaultConnectionManagerConfig())
	mgr := NewManager(health, conn, nil, DefaultConfig())

	assert.Equal(t, ModeRQOnly, mgr.Mode())
}

func TestManagerFailureAndRecoveryTransitions(t *testing.T) {
	health, _, cleanup := newTestHealthMonitor(t)
	defer cleanup()

	conn := redisinfra.NewConnectionManager("ignored:0", "", 0, redisinfra.DefaultConnectionManagerConfig())
	mgr := NewManager(health, conn, nil, DefaultConfig())
	sink := &recordingSink{}
	mgr.RegisterAlertSink(sink)

	t.Run("redis failure drops to db_only with a warning alert", func(t *testing.T) {
		mgr.handleRedisFailure()
		assert.Equal(t, ModeDBOnly, mgr.Mode())

		alert, ok := sink.last()
		require.True(t, ok)
		assert.Equal(t, AlertWarning, alert.Level)
		assert.Equal(t, "rq_only", alert.Details["previous_mode"])
	})

	t.Run("recovery with a successful migration returns to rq_only", func(t *testing.T) {
		mgr.SetMigrator(stubMigrator{result: MigrationResult{Succeeded: 2, Failed: 0}})
		mgr.handleRedisRecovery()
		assert.Equal(t, ModeRQOnly, mgr.Mode())

		alert, ok := sink.last()
		require.True(t, ok)
		assert.Equal(t, AlertInfo, alert.Level)
	})
}

func TestManagerRecoveryWithFailedMigrationStaysDBOnly(t *testing.T) {
	health, _, cleanup := newTestHealthMonitor(t)
	defer cleanup()

	conn := redisinfra.NewConnectionManager("ignored:0", "", 0, redisinfra.DefaultConnectionManagerConfig())
	mgr := NewManager(health, conn, nil, DefaultConfig())
	mgr.handleRedisFailure()
	require.Equal(t, ModeDBOnly, mgr.Mode())

	mgr.SetMigrator(stubMigrator{result: MigrationResult{Succeeded: 0, Failed: 3}})
	mgr.handleRedisRecovery()

	assert.Equal(t, ModeDBOnly, mgr.Mode())
}

func TestManagerForceOverrideOnlyAllowsRQOnlyWhenHealthy(t *testing.T) {
	health, _, cleanup := newTestHealthMonitor(t)
	defer cleanup()

	conn := redisinfra.NewConnectionManager("ignored:0", "", 0, redisinfra.DefaultConnectionManagerConfig())
	mgr := NewManager(health, conn, nil, DefaultConfig())

	t.Run("override to a non rq_only mode is rejected", func(t *testing.T) {
		err := mgr.ForceOverride(context.Background(), ModeDBOnly)
		assert.Error(t, err)
	})

	t.Run("override to rq_only succeeds while redis is healthy", func(t *testing.T) {
		require.True(t, health.IsHealthy())
		err := mgr.ForceOverride(context.Background(), ModeRQOnly)
		require.NoError(t, err)
		assert.Equal(t, ModeRQOnly, mgr.Mode())
	})

	t.Run("override is rejected once redis is marked unhealthy", func(t *testing.T) {
		mr2, err := miniredis.Run()
		require.NoError(t, err)
		defer mr2.Close()
		redisClient2 := redis.NewClient(&redis.Options{Addr: mr2.Addr()})

		fastHealth := redisinfra.NewHealthMonitor(redisClient2, nil, redisinfra.HealthMonitorConfig{
			CheckInterval: 10 * time.Millisecond, FailureThreshold: 1, MemoryThreshold: 0.8,
		})
		fastMgr := NewManager(fastHealth, conn, nil, DefaultConfig())

		redisClient2.Close()
		ctx, cancel := context.WithCancel(context.Background())
		fastHealth.StartMonitoring(ctx)
		require.Eventually(t, func() bool { return !fastHealth.IsHealthy() }, 2*time.Second, 10*time.Millisecond)
		cancel()
		fastHealth.StopMonitoring()

		err = fastMgr.ForceOverride(context.Background(), ModeRQOnly)
		assert.ErrorIs(t, err, errRedisUnavailable)
	})
}
