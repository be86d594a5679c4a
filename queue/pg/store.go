// Package pg is the durable-store repository backing the Queue Manager,
// hand-written in the style of remiges-tech-alya/jobs/pg/batchsqlc (pgx
// types, one method per statement) rather than generated, since this
// module's query surface is small and fixed.
package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, letting callers run
// queries either directly against the pool or inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned when a job row does not exist.
var ErrNotFound = errors.New("job row not found")

// ErrDuplicateActiveTask is returned by InsertQueued when the partial
// unique index on (user_id) WHERE status IN (queued,running) rejects a
// second active row for the same user -- the backstop for AdmissionMode.
var ErrDuplicateActiveTask = errors.New("user already has an active row in the durable store")

// Row mirrors the caption_generation_task columns named in spec.md §6.
type Row struct {
	ID                   string
	UserID               string
	PlatformConnectionID string
	Status               string
	Priority             string
	Settings             string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ErrorMessage         string
	CurrentStep          string
	ProgressPercent      int32
	CreatedAt            time.Time
}

type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to the given transaction, for callers that
// need several statements to commit atomically. No caller in this module
// uses it; Manager.Enqueue's DB_ONLY path issues single statements.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx}
}

func (s *Store) InsertQueued(ctx context.Context, row Row) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO caption_generation_task
			(id, user_id, platform_connection_id, status, priority, settings, created_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, NOW())`,
		row.ID, row.UserID, row.PlatformConnectionID, row.Priority, row.Settings)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateActiveTask
		}
		return err
	}
	return nil
}

func (s *Store) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM caption_generation_task
		WHERE user_id = $1 AND status IN ('queued', 'running')`, userID).Scan(&n)
	return n, err
}

func (s *Store) Get(ctx context.Context, id string) (Row, error) {
	var r Row
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, platform_connection_id, status, priority, settings,
		       started_at, completed_at, error_message, current_step,
		       progress_percent, created_at
		FROM caption_generation_task WHERE id = $1`, id).Scan(
		&r.ID, &r.UserID, &r.PlatformConnectionID, &r.Status, &r.Priority, &r.Settings,
		&r.StartedAt, &r.CompletedAt, &r.ErrorMessage, &r.CurrentStep,
		&r.ProgressPercent, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	return r, err
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE caption_generation_task SET status = 'running', started_at = NOW()
		WHERE id = $1 AND status = 'queued'`, id)
	return err
}

func (s *Store) MarkTerminal(ctx context.Context, id, status, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE caption_generation_task
		SET status = $2, completed_at = NOW(), error_message = $3
		WHERE id = $1`, id, status, errMsg)
	return err
}

// UserIDForJob satisfies progress.UserIDResolver by looking up the owning
// user from the durable row.
func (s *Store) UserIDForJob(ctx context.Context, jobID string) (string, error) {
	row, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return row.UserID, nil
}

func (s *Store) UpdateProgress(ctx context.Context, id, step string, percent int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE caption_generation_task
		SET current_step = $2, progress_percent = $3
		WHERE id = $1`, id, step, percent)
	return err
}

// ListQueued returns up to limit Queued rows ordered by priority (urgent
// first) then created_at, for Manager.Migrate.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, platform_connection_id, status, priority, settings,
		       started_at, completed_at, error_message, current_step,
		       progress_percent, created_at
		FROM caption_generation_task
		WHERE status = 'queued'
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0 WHEN 'high' THEN 1
			WHEN 'normal' THEN 2 ELSE 3 END, created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.UserID, &r.PlatformConnectionID, &r.Status, &r.Priority,
			&r.Settings, &r.StartedAt, &r.CompletedAt, &r.ErrorMessage, &r.CurrentStep,
			&r.ProgressPercent, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStatus returns the per-status row counts used by Manager.Stats.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*) FROM caption_generation_task GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CountByStatusAndPriority returns row counts grouped by both status and
// priority, for Manager.Stats's per-queue Failed/Finished/Started
// breakdowns -- RQ itself keeps these as separate registries per queue;
// the durable store gives us the same answer with one query.
func (s *Store) CountByStatusAndPriority(ctx context.Context) (map[string]map[string]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, priority, COUNT(*) FROM caption_generation_task
		GROUP BY status, priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]int64)
	for rows.Next() {
		var status, priority string
		var n int64
		if err := rows.Scan(&status, &priority, &n); err != nil {
			return nil, err
		}
		if out[status] == nil {
			out[status] = make(map[string]int64)
		}
		out[status][priority] = n
	}
	return out, rows.Err()
}

// SweepOld deletes terminal rows older than the given cutoffs, per status
// class, returning the number removed.
func SweepOld(ctx context.Context, db DBTX, completedBefore, failedBefore time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `
		DELETE FROM caption_generation_task
		WHERE (status = 'completed' AND completed_at < $1)
		   OR (status IN ('failed', 'cancelled') AND completed_at < $2)`,
		completedBefore, failedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Sweep is SweepOld bound to this Store's DBTX, for callers that only hold
// a *Store (Manager.Cleanup).
func (s *Store) Sweep(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	return SweepOld(ctx, s.db, completedBefore, failedBefore)
}
