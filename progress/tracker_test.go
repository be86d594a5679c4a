package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct{ userID string }

func (s stubResolver) UserIDForJob(ctx context.Context, jobID string) (string, error) {
	return s.userID, nil
}

type noopRowUpdater struct{}

func (noopRowUpdater) UpdateProgress(ctx context.Context, jobID, step string, percent int) error {
	return nil
}

func TestTrackerUpdateProgressClampsPercent(t *testing.T) {
	transport := NewLocalTransport()
	tr := NewTracker(transport, stubResolver{userID: "u1"}, noopRowUpdater{}, nil, DefaultConfig())
	ctx := context.Background()

	t.Run("over 100 clamps to 100", func(t *testing.T) {
		require.NoError(t, tr.UpdateProgress(ctx, "job-1", "step", 150, nil))
		snap, ok, err := tr.GetProgress(ctx, "job-1", "u1", false)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 100, snap.Percent)
	})

	t.Run("negative clamps to 0", func(t *testing.T) {
		require.NoError(t, tr.UpdateProgress(ctx, "job-1", "step", -20, nil))
		snap, ok, err := tr.GetProgress(ctx, "job-1", "u1", false)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 0, snap.Percent)
	})
}

func TestTrackerGetProgressNeverLeaksExistence(t *testing.T) {
	transport := NewLocalTransport()
	tr := NewTracker(transport, stubResolver{userID: "owner"}, noopRowUpdater{}, nil, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, tr.UpdateProgress(ctx, "job-1", "step", 50, nil))

	t.Run("owner can read it", func(t *testing.T) {
		_, ok, err := tr.GetProgress(ctx, "job-1", "owner", false)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("a different user gets not-found, not forbidden", func(t *testing.T) {
		_, ok, err := tr.GetProgress(ctx, "job-1", "someone-else", false)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("an unknown job also reads as not-found", func(t *testing.T) {
		_, ok, err := tr.GetProgress(ctx, "does-not-exist", "someone-else", false)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("an admin can read regardless of owner", func(t *testing.T) {
		_, ok, err := tr.GetProgress(ctx, "job-1", "someone-else", true)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestTrackerCompleteIsTerminalAndShrinksTTL(t *testing.T) {
	transport := NewLocalTransport()
	tr := NewTracker(transport, stubResolver{userID: "u1"}, noopRowUpdater{}, nil, Config{
		SnapshotTTL: time.Hour, TerminalTTL: 50 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, tr.UpdateProgress(ctx, "job-1", "working", 40, nil))
	require.NoError(t, tr.Complete(ctx, "job-1", map[string]any{"caption": "done"}))

	snap, ok, err := tr.GetProgress(ctx, "job-1", "u1", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, snap.Terminal)
	assert.Equal(t, 100, snap.Percent)

	time.Sleep(100 * time.Millisecond)
	_, ok, err = tr.GetProgress(ctx, "job-1", "u1", false)
	require.NoError(t, err)
	assert.False(t, ok, "terminal TTL should have expired the snapshot")
}

func TestTrackerCleanupShrinksEveryTrackedSnapshot(t *testing.T) {
	transport := NewLocalTransport()
	tr := NewTracker(transport, stubResolver{userID: "u1"}, noopRowUpdater{}, nil, Config{
		SnapshotTTL: time.Hour, TerminalTTL: 20 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, tr.UpdateProgress(ctx, "job-1", "working", 10, nil))
	require.NoError(t, tr.UpdateProgress(ctx, "job-2", "working", 20, nil))

	require.NoError(t, tr.Cleanup(ctx))

	time.Sleep(50 * time.Millisecond)
	_, ok1, err := tr.GetProgress(ctx, "job-1", "u1", false)
	require.NoError(t, err)
	_, ok2, err := tr.GetProgress(ctx, "job-2", "u1", false)
	require.NoError(t, err)
	assert.False(t, ok1, "cleanup should have shrunk job-1's ttl to TerminalTTL")
	assert.False(t, ok2, "cleanup should have shrunk job-2's ttl to TerminalTTL")
}

func TestTrackerCleanupIsANoopWithoutABulkShrinkingTransport(t *testing.T) {
	tr := NewTracker(fakeTransport{}, stubResolver{userID: "u1"}, noopRowUpdater{}, nil, DefaultConfig())
	assert.NoError(t, tr.Cleanup(context.Background()))
}

type fakeTransport struct{}

func (fakeTransport) Publish(ctx context.Context, snap Snapshot, ttl time.Duration) error { return nil }
func (fakeTransport) Get(ctx context.Context, jobID string) (Snapshot, bool, error) {
	return Snapshot{}, false, nil
}
func (fakeTransport) Subscribe(ctx context.Context, jobID string) (<-chan Snapshot, func(), error) {
	return nil, func() {}, nil
}
func (fakeTransport) ShrinkTTL(ctx context.Context, jobID string, ttl time.Duration) error {
	return nil
}

func TestTrackerSubscribeReceivesLiveUpdates(t *testing.T) {
	transport := NewLocalTransport()
	tr := NewTracker(transport, stubResolver{userID: "u1"}, noopRowUpdater{}, nil, DefaultConfig())
	ctx := context.Background()

	ch, cancel, err := transport.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, tr.UpdateProgress(ctx, "job-1", "step-1", 10, nil))

	select {
	case snap := <-ch:
		assert.Equal(t, "step-1", snap.Step)
	case <-time.After(time.Second):
		t.Fatal("did not receive published snapshot")
	}
}
