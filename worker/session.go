// Package worker implements the Session Manager (C5) and the Integrated
// Worker (C8): per-task DB session lifecycle and the cooperative polling
// loop that dequeues and executes jobs.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session wraps one pgx transaction bound to a single job run.
type Session struct {
	tx pgx.Tx
}

func (s *Session) Tx() pgx.Tx { return s.tx }

func (s *Session) Commit(ctx context.Context) error   { return s.tx.Commit(ctx) }
func (s *Session) Rollback(ctx context.Context) error { return s.tx.Rollback(ctx) }

// SessionManager hands out one Session per goroutine-local execution
// context, keyed by an opaque task token the caller supplies (the worker's
// own id, since spec.md ties sessions to "the caller's execution context
// (per worker task)" and Go has no ambient thread-local storage).
type SessionManager struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	sessions map[string]*Session
	active   int64
}

func NewSessionManager(pool *pgxpool.Pool) *SessionManager {
	return &SessionManager{pool: pool, sessions: make(map[string]*Session)}
}

// GetSession returns the session for taskToken, creating it lazily.
func (m *SessionManager) GetSession(ctx context.Context, taskToken string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[taskToken]; ok {
		return s, nil
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: beginning tx: %w", err)
	}
	s := &Session{tx: tx}
	m.sessions[taskToken] = s
	atomic.AddInt64(&m.active, 1)
	return s, nil
}

func (m *SessionManager) Commit(ctx context.Context, taskToken string) error {
	m.mu.Lock()
	s, ok := m.sessions[taskToken]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: no session for %s", taskToken)
	}
	return s.Commit(ctx)
}

func (m *SessionManager) Rollback(ctx context.Context, taskToken string) error {
	m.mu.Lock()
	s, ok := m.sessions[taskToken]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: no session for %s", taskToken)
	}
	return s.Rollback(ctx)
}

// Close discards the session bound to taskToken, never leaving it
// reachable for a later job on the same worker.
func (m *SessionManager) Close(taskToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[taskToken]; ok {
		delete(m.sessions, taskToken)
		atomic.AddInt64(&m.active, -1)
	}
}

func (m *SessionManager) ActiveSessions() int64 {
	return atomic.LoadInt64(&m.active)
}

// Wrap establishes a new session for taskToken, runs jobExec, commits on
// success and rolls back on any error, always closing the session
// afterward regardless of outcome.
func (m *SessionManager) Wrap(ctx context.Context, taskToken string, jobExec func(ctx context.Context, s *Session) error) (err error) {
	defer m.Close(taskToken)

	s, err := m.GetSession(ctx, taskToken)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = s.Rollback(ctx)
		}
	}()

	if err = jobExec(ctx, s); err != nil {
		return err
	}
	return s.Commit(ctx)
}
