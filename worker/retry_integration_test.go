package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/capq/queue"
)

type flakyAdapter struct {
	failuresLeft int
	calls        int
}

func (a *flakyAdapter) ProcessCaptionTask(ctx context.Context, s *Session, jobID string, progress ProgressReporter) error {
	a.calls++
	if a.failuresLeft > 0 {
		a.failuresLeft--
		return errors.New("adapter transient failure")
	}
	return nil
}

type alwaysFailAdapter struct {
	calls int
}

func (a *alwaysFailAdapter) ProcessCaptionTask(ctx context.Context, s *Session, jobID string, progress ProgressReporter) error {
	a.calls++
	return errors.New("adapter permanent failure")
}

func TestIntegratedWorkerRunWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	pool := newTestSessionPool(t)
	sessions := NewSessionManager(pool)
	adapter := &flakyAdapter{failuresLeft: 2}

	w := &IntegratedWorker{
		cfg:      Config{WorkerID: "retry-worker"},
		sessions: sessions,
		adapter:  adapter,
	}

	ref := queue.JobRef{
		JobID: "job-retry-1",
		RetryPolicy: queue.RetryPolicy{
			MaxRetries: 3,
			Backoff:    queue.BackoffFixed,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
		},
	}

	err := w.runWithRetry(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 3, adapter.calls, "two failures then a success is three calls")
	assert.Equal(t, int64(0), sessions.ActiveSessions())
}

func TestIntegratedWorkerRunWithRetryExhaustsAndReturnsLastError(t *testing.T) {
	pool := newTestSessionPool(t)
	sessions := NewSessionManager(pool)
	adapter := &alwaysFailAdapter{}

	w := &IntegratedWorker{
		cfg:      Config{WorkerID: "retry-worker-2"},
		sessions: sessions,
		adapter:  adapter,
	}

	ref := queue.JobRef{
		JobID: "job-retry-2",
		RetryPolicy: queue.RetryPolicy{
			MaxRetries: 2,
			Backoff:    queue.BackoffFixed,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
		},
	}

	err := w.runWithRetry(context.Background(), ref)
	assert.Error(t, err)
	assert.Equal(t, 3, adapter.calls, "MaxRetries=2 means one initial attempt plus two retries")
}

func TestIntegratedWorkerRunWithRetryDefaultPolicyTriesOnce(t *testing.T) {
	pool := newTestSessionPool(t)
	sessions := NewSessionManager(pool)
	adapter := &alwaysFailAdapter{}

	w := &IntegratedWorker{
		cfg:      Config{WorkerID: "retry-worker-3"},
		sessions: sessions,
		adapter:  adapter,
	}

	ref := queue.JobRef{JobID: "job-retry-3"}

	err := w.runWithRetry(context.Background(), ref)
	assert.Error(t, err)
	assert.Equal(t, 1, adapter.calls, "a zero-value RetryPolicy means no retries")
}
