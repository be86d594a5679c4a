package workermanager

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/capq/queue"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	listNames := map[queue.Priority]string{
		queue.PriorityUrgent: "q:urgent",
		queue.PriorityHigh:   "q:high",
		queue.PriorityNormal: "q:normal",
		queue.PriorityLow:    "q:low",
	}
	mgr := NewManager(redisClient, nil, nil, nil, nil, nil, listNames, nil, nil, OSProcessLauncher{})
	return mgr, func() {
		redisClient.Close()
		mr.Close()
	}
}

// The integrated workers spawned below never see a queued job -- listNames
// point at empty lists -- so their poll loops just time out and retry,
// never touching the nil SessionManager/CaptionAdapter.

func TestManagerStartAndStopIntegratedWorkers(t *testing.T) {
	mgr, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	ids, err := mgr.StartIntegratedWorkers(ctx, []IntegratedGroup{
		{Name: "g1", Queues: []queue.Priority{queue.PriorityUrgent}, Count: 2},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	report := mgr.HealthReport()
	assert.Len(t, report.Workers, 2)
	for _, w := range report.Workers {
		assert.Equal(t, int64(0), w.Succeeded)
		assert.Equal(t, int64(0), w.Failed)
	}

	require.NoError(t, mgr.StopWorkers(ctx, true, 10*time.Second))
	assert.Empty(t, mgr.HealthReport().Workers)
}

func TestManagerRestartWorkerReplacesTheHandle(t *testing.T) {
	mgr, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	ids, err := mgr.StartIntegratedWorkers(ctx, []IntegratedGroup{
		{Name: "g1", Queues: []queue.Priority{queue.PriorityUrgent}, Count: 1},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	oldID := ids[0]

	newID, err := mgr.RestartWorker(ctx, oldID)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	report := mgr.HealthReport()
	require.Len(t, report.Workers, 1)
	assert.Equal(t, newID, report.Workers[0].WorkerID)

	require.NoError(t, mgr.StopWorkers(ctx, true, 10*time.Second))
}

func TestManagerRestartWorkerRejectsUnknownID(t *testing.T) {
	mgr, cleanup := newTestManager(t)
	defer cleanup()

	_, err := mgr.RestartWorker(context.Background(), "no-such-worker")
	assert.Error(t, err)
}

func TestManagerScaleWorkersUpAndDown(t *testing.T) {
	mgr, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, mgr.ScaleWorkers(ctx, queue.PriorityNormal, 3))
	assert.Len(t, mgr.HealthReport().Workers, 3)

	require.NoError(t, mgr.ScaleWorkers(ctx, queue.PriorityNormal, 1))
	require.Eventually(t, func() bool {
		return len(mgr.HealthReport().Workers) == 1
	}, 8*time.Second, 100*time.Millisecond, "surplus workers should drain and exit after Stop")

	require.NoError(t, mgr.StopWorkers(ctx, true, 10*time.Second))
}

func TestManagerHealthReportSurfacesHeartbeatFreshness(t *testing.T) {
	mgr, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	ids, err := mgr.StartIntegratedWorkers(ctx, []IntegratedGroup{
		{Name: "g1", Queues: []queue.Priority{queue.PriorityUrgent}, Count: 1},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.Eventually(t, func() bool {
		report := mgr.HealthReport()
		return len(report.Workers) == 1 && !report.Workers[0].LastHeartbeat.IsZero()
	}, 2*time.Second, 20*time.Millisecond, "heartbeat should land in the registration hash shortly after Run starts")

	report := mgr.HealthReport()
	require.Len(t, report.Workers, 1)
	assert.False(t, report.Workers[0].Stale)
	assert.Empty(t, report.Workers[0].CurrentJobID, "worker is idle against an empty queue")

	require.NoError(t, mgr.StopWorkers(ctx, true, 10*time.Second))
}

func TestManagerScaleWorkersRejectsUnknownQueue(t *testing.T) {
	mgr, cleanup := newTestManager(t)
	defer cleanup()

	err := mgr.ScaleWorkers(context.Background(), queue.Priority("nope"), 1)
	assert.Error(t, err)
}

// sleepLauncher always forks a short-lived real process regardless of the
// binary/args it's handed, so StartExternalWorkers can be exercised without
// depending on a capq-worker binary existing on the test machine.
type sleepLauncher struct{}

func (sleepLauncher) Start(ctx context.Context, workerID, binary string, args []string, env map[string]string) (*exec.Cmd, *os.File, error) {
	cmd := exec.CommandContext(ctx, "sleep", "30")
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return cmd, nil, nil
}

func (sleepLauncher) Stop(cmd *exec.Cmd, graceful bool, timeout time.Duration) error {
	return OSProcessLauncher{}.Stop(cmd, graceful, timeout)
}

func TestManagerStartAndStopExternalWorkers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	listNames := map[queue.Priority]string{queue.PriorityUrgent: "q:urgent"}
	mgr := NewManager(redisClient, nil, nil, nil, nil, nil, listNames, nil, nil, sleepLauncher{})
	ctx := context.Background()

	ids, err := mgr.StartExternalWorkers(ctx, "redis://ignored:6379", "capq-worker", time.Minute, []ExternalGroup{
		{Name: "ext", Queues: []queue.Priority{queue.PriorityUrgent}, Count: 1},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, mgr.StopWorkers(ctx, true, 5*time.Second))
}

func TestManagerStartExternalWorkersRequiresLauncher(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	mgr := NewManager(redisClient, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	_, err = mgr.StartExternalWorkers(context.Background(), "redis://ignored", "capq-worker", time.Minute, []ExternalGroup{
		{Name: "ext", Count: 1},
	})
	assert.Error(t, err)
}

func TestExternalWorkerArgsMatchesCLITemplate(t *testing.T) {
	args := ExternalWorkerArgs("redis://localhost:6379", "w-1", 90*time.Second, []string{"q:urgent", "q:high"})
	assert.Equal(t, []string{
		"worker", "--url", "redis://localhost:6379", "--name", "w-1", "--job-timeout", "90", "q:urgent", "q:high",
	}, args)
}
