// Package progress implements the Progress Tracker (C4): clamped,
// authorized progress snapshots pushed to Redis and to any subscribers
// through a pluggable Transport.
package progress

import (
	"context"
	"time"
)

// Snapshot is one progress update.
type Snapshot struct {
	JobID     string         `json:"job_id"`
	UserID    string         `json:"user_id"`
	Step      string         `json:"step"`
	Percent   int            `json:"percent"`
	Details   map[string]any `json:"details,omitempty"`
	Source    string         `json:"source"`
	UpdatedAt time.Time      `json:"updated_at"`
	Terminal  bool           `json:"terminal"`
}

// Transport is how a Snapshot is stored, retrieved and pushed to live
// subscribers. The Tracker never assumes which transport is wired --
// RedisTransport for cross-process fan-out and durable TTL'd storage,
// LocalTransport for single-process deployments and tests.
type Transport interface {
	// Publish stores snap (with the given TTL) and fans it out to any
	// live Subscribe channels for snap.JobID.
	Publish(ctx context.Context, snap Snapshot, ttl time.Duration) error
	// Get returns the last stored snapshot for jobID, if any.
	Get(ctx context.Context, jobID string) (Snapshot, bool, error)
	// Subscribe returns a channel of future snapshots for jobID and an
	// unsubscribe function the caller must call when done.
	Subscribe(ctx context.Context, jobID string) (<-chan Snapshot, func(), error)
	// ShrinkTTL re-applies a shorter TTL to a stored snapshot, used at
	// terminal transition so subscribers have a window to catch up.
	ShrinkTTL(ctx context.Context, jobID string, ttl time.Duration) error
}

// BulkTTLShrinker is optionally implemented by a Transport to support
// shedding snapshot memory under resource pressure. A Transport that
// doesn't implement it is simply skipped by Tracker.Cleanup.
type BulkTTLShrinker interface {
	ShrinkAllTTL(ctx context.Context, ttl time.Duration) (int, error)
}

// UserIDResolver looks up the owning user for a job, consulted once per
// job and cached for the rest of its execution (spec.md §4.4 step 1).
type UserIDResolver interface {
	UserIDForJob(ctx context.Context, jobID string) (string, error)
}

// RowUpdater is the best-effort durable-row sync target (step 4); failures
// are logged by the Tracker, never propagated to the caller.
type RowUpdater interface {
	UpdateProgress(ctx context.Context, jobID, step string, percent int) error
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
