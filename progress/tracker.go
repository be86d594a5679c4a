package progress

import (
	"context"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
)

type Config struct {
	SnapshotTTL  time.Duration
	TerminalTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{SnapshotTTL: 7200 * time.Second, TerminalTTL: 300 * time.Second}
}

// Tracker is the Progress Tracker (C4). One Tracker instance is shared by
// every worker in the process.
type Tracker struct {
	cfg       Config
	transport Transport
	users     UserIDResolver
	rows      RowUpdater
	logger    *logharbour.Logger

	mu         sync.Mutex
	userCache  map[string]string
}

func NewTracker(transport Transport, users UserIDResolver, rows RowUpdater, logger *logharbour.Logger, cfg Config) *Tracker {
	if cfg.SnapshotTTL == 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:       cfg,
		transport: transport,
		users:     users,
		rows:      rows,
		logger:    logger,
		userCache: make(map[string]string),
	}
}

func (t *Tracker) resolveUserID(ctx context.Context, jobID string) (string, error) {
	t.mu.Lock()
	if uid, ok := t.userCache[jobID]; ok {
		t.mu.Unlock()
		return uid, nil
	}
	t.mu.Unlock()

	uid, err := t.users.UserIDForJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.userCache[jobID] = uid
	t.mu.Unlock()
	return uid, nil
}

// UpdateProgress implements spec.md §4.4's five-step sequence.
func (t *Tracker) UpdateProgress(ctx context.Context, jobID, step string, percent int, details map[string]any) error {
	userID, err := t.resolveUserID(ctx, jobID)
	if err != nil {
		return err
	}
	percent = clamp(percent)

	snap := Snapshot{
		JobID: jobID, UserID: userID, Step: step, Percent: percent,
		Details: details, Source: "worker", UpdatedAt: time.Now(),
	}

	if err := t.transport.Publish(ctx, snap, t.cfg.SnapshotTTL); err != nil {
		return err
	}

	if t.rows != nil {
		if err := t.rows.UpdateProgress(ctx, jobID, step, percent); err != nil && t.logger != nil {
			t.logger.Warn().LogActivity("progress row sync failed", map[string]any{"job_id": jobID, "error": err.Error()})
		}
	}
	return nil
}

// GetProgress returns the snapshot only if requestingUserID owns the job
// or isAdmin is set; otherwise it returns (Snapshot{}, false, nil) -- the
// same result as a genuinely unknown job, so existence is never leaked.
func (t *Tracker) GetProgress(ctx context.Context, jobID, requestingUserID string, isAdmin bool) (Snapshot, bool, error) {
	snap, ok, err := t.transport.Get(ctx, jobID)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	if !isAdmin && snap.UserID != requestingUserID {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Complete forces percent=100, step "Completed", and shrinks TTL so late
// subscribers still have a window to observe the terminal event.
func (t *Tracker) Complete(ctx context.Context, jobID string, results map[string]any) error {
	return t.terminal(ctx, jobID, "Completed", 100, results)
}

// Fail emits a terminal event with step "Failed: <message>".
func (t *Tracker) Fail(ctx context.Context, jobID, message string, details map[string]any) error {
	return t.terminal(ctx, jobID, "Failed: "+message, -1, details)
}

func (t *Tracker) terminal(ctx context.Context, jobID, step string, percent int, details map[string]any) error {
	userID, err := t.resolveUserID(ctx, jobID)
	if err != nil {
		return err
	}
	if percent < 0 {
		if prev, ok, _ := t.transport.Get(ctx, jobID); ok {
			percent = prev.Percent
		} else {
			percent = 0
		}
	}
	snap := Snapshot{
		JobID: jobID, UserID: userID, Step: step, Percent: clamp(percent),
		Details: details, Source: "worker", UpdatedAt: time.Now(), Terminal: true,
	}
	if err := t.transport.Publish(ctx, snap, t.cfg.SnapshotTTL); err != nil {
		return err
	}
	if err := t.transport.ShrinkTTL(ctx, jobID, t.cfg.TerminalTTL); err != nil && t.logger != nil {
		t.logger.Warn().LogActivity("progress ttl shrink failed", map[string]any{"job_id": jobID, "error": err.Error()})
	}

	t.mu.Lock()
	delete(t.userCache, jobID)
	t.mu.Unlock()
	return nil
}

// Cleanup satisfies fallback.CleanupTrigger and resource.CleanupCallback:
// under memory pressure, every tracked snapshot's TTL is shrunk to
// TerminalTTL instead of waiting for its own terminal transition or
// natural SnapshotTTL expiry.
func (t *Tracker) Cleanup(ctx context.Context) error {
	shrinker, ok := t.transport.(BulkTTLShrinker)
	if !ok {
		return nil
	}
	n, err := shrinker.ShrinkAllTTL(ctx, t.cfg.TerminalTTL)
	if err != nil {
		return err
	}
	if n > 0 && t.logger != nil {
		t.logger.Info().LogActivity("progress tracker shrank snapshot ttls", map[string]any{"count": n})
	}
	return nil
}
