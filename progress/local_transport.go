package progress

import (
	"context"
	"sync"
	"time"
)

// LocalTransport is an in-process fan-out hub keyed by jobId: no Redis
// round trip, for single-process deployments and tests. TTLs are checked
// lazily: Get drops an expired entry. Publish does not sweep, and there is
// no background timer.
type LocalTransport struct {
	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	snap      Snapshot
	expiresAt time.Time
	subs      map[chan Snapshot]struct{}
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{jobs: make(map[string]*localJob)}
}

func (t *LocalTransport) Publish(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[snap.JobID]
	if !ok {
		job = &localJob{subs: make(map[chan Snapshot]struct{})}
		t.jobs[snap.JobID] = job
	}
	job.snap = snap
	job.expiresAt = time.Now().Add(ttl)

	for ch := range job.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return nil
}

func (t *LocalTransport) Get(ctx context.Context, jobID string) (Snapshot, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok || time.Now().After(job.expiresAt) {
		delete(t.jobs, jobID)
		return Snapshot{}, false, nil
	}
	return job.snap, true, nil
}

func (t *LocalTransport) ShrinkTTL(ctx context.Context, jobID string, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[jobID]; ok {
		job.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// ShrinkAllTTL implements BulkTTLShrinker for single-process deployments.
func (t *LocalTransport) ShrinkAllTTL(ctx context.Context, ttl time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, job := range t.jobs {
		job.expiresAt = time.Now().Add(ttl)
		n++
	}
	return n, nil
}

func (t *LocalTransport) Subscribe(ctx context.Context, jobID string) (<-chan Snapshot, func(), error) {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if !ok {
		job = &localJob{subs: make(map[chan Snapshot]struct{})}
		t.jobs[jobID] = job
	}
	ch := make(chan Snapshot, 8)
	job.subs[ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if job, ok := t.jobs[jobID]; ok {
			delete(job.subs, ch)
		}
		close(ch)
	}
	return ch, cancel, nil
}
