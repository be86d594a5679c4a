package pg

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("capq_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, conn))
	require.NoError(t, conn.Close(ctx))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newRow(userID string) Row {
	return Row{
		ID:                   uuid.NewString(),
		UserID:               userID,
		PlatformConnectionID: "platform-1",
		Priority:             "normal",
		Settings:             "{}",
	}
}

func TestStoreInsertQueuedEnforcesOneActiveJobPerUser(t *testing.T) {
	pool := newTestPool(t)
	store := NewStore(pool)
	ctx := context.Background()

	first := newRow("user-1")
	require.NoError(t, store.InsertQueued(ctx, first))

	second := newRow("user-1")
	err := store.InsertQueued(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateActiveTask)

	n, err := store.CountActiveForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreInsertQueuedAllowsDifferentUsersConcurrently(t *testing.T) {
	pool := newTestPool(t)
	store := NewStore(pool)
	ctx := context.Background()

	require.NoError(t, store.InsertQueued(ctx, newRow("user-a")))
	require.NoError(t, store.InsertQueued(ctx, newRow("user-b")))

	n, err := store.CountActiveForUser(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreInsertQueuedAllowsReenqueueAfterTerminal(t *testing.T) {
	pool := newTestPool(t)
	store := NewStore(pool)
	ctx := context.Background()

	first := newRow("user-1")
	require.NoError(t, store.InsertQueued(ctx, first))
	require.NoError(t, store.MarkTerminal(ctx, first.ID, "completed", ""))

	second := newRow("user-1")
	require.NoError(t, store.InsertQueued(ctx, second), "a terminal row must not block a new active one")

	n, err := store.CountActiveForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreMarkRunningOnlyTransitionsFromQueued(t *testing.T) {
	pool := newTestPool(t)
	store := NewStore(pool)
	ctx := context.Background()

	row := newRow("user-1")
	require.NoError(t, store.InsertQueued(ctx, row))
	require.NoError(t, store.MarkRunning(ctx, row.ID))

	got, err := store.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	require.NotNil(t, got.StartedAt)

	// A second MarkRunning is a no-op: the WHERE clause only matches queued rows.
	require.NoError(t, store.MarkRunning(ctx, row.ID))
}

func TestStoreListQueuedOrdersByPriorityThenCreatedAt(t *testing.T) {
	pool := newTestPool(t)
	store := NewStore(pool)
	ctx := context.Background()

	low := newRow("user-low")
	low.Priority = "low"
	urgent := newRow("user-urgent")
	urgent.Priority = "urgent"
	normal := newRow("user-normal")
	normal.Priority = "normal"

	require.NoError(t, store.InsertQueued(ctx, low))
	require.NoError(t, store.InsertQueued(ctx, urgent))
	require.NoError(t, store.InsertQueued(ctx, normal))

	rows, err := store.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "urgent", rows[0].Priority)
	assert.Equal(t, "normal", rows[1].Priority)
	assert.Equal(t, "low", rows[2].Priority)
}

func TestStoreGetReturnsNotFoundForUnknownID(t *testing.T) {
	pool := newTestPool(t)
	store := NewStore(pool)

	_, err := store.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSweepOldRemovesOnlyStaleTerminalRows(t *testing.T) {
	pool := newTestPool(t)
	store := NewStore(pool)
	ctx := context.Background()

	stale := newRow("user-stale")
	require.NoError(t, store.InsertQueued(ctx, stale))
	require.NoError(t, store.MarkTerminal(ctx, stale.ID, "completed", ""))
	_, err := pool.Exec(ctx, `UPDATE caption_generation_task SET completed_at = $1 WHERE id = $2`,
		time.Now().Add(-48*time.Hour), stale.ID)
	require.NoError(t, err)

	fresh := newRow("user-fresh")
	require.NoError(t, store.InsertQueued(ctx, fresh))
	require.NoError(t, store.MarkTerminal(ctx, fresh.ID, "completed", ""))

	n, err := store.Sweep(ctx, time.Now().Add(-24*time.Hour), time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}
