package redisinfra

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// ConnectionManagerConfig mirrors spec.md §4.2's defaults.
type ConnectionManagerConfig struct {
	PoolSize       int
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func DefaultConnectionManagerConfig() ConnectionManagerConfig {
	return ConnectionManagerConfig{
		PoolSize:       20,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      5 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
	}
}

// ConnectionManager owns the pooled Redis client and the exponential
// backoff schedule used when the last observed client looks stale.
type ConnectionManager struct {
	cfg      ConnectionManagerConfig
	opts     *redis.Options
	mu       sync.Mutex
	client   *redis.Client
	attempts int
	// reconnectGate paces reconnect attempts so concurrent callers hitting
	// a stale connection at once don't all dial Redis simultaneously; at
	// most one real dial happens per backoff interval, and the rest get an
	// error until the next dial is allowed.
	reconnectGate rate.Sometimes

	connectCount int
}

func NewConnectionManager(addr, password string, db int, cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.PoolSize == 0 {
		cfg = DefaultConnectionManagerConfig()
	}
	return &ConnectionManager{
		cfg: cfg,
		opts: &redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.OpTimeout,
			WriteTimeout: cfg.OpTimeout,
		},
	}
}

// GetConnection returns the current live client, dialing it lazily on
// first use and attempting a single reconnect (rate-limited by backoff) if
// the last observed client is stale.
func (c *ConnectionManager) GetConnection(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return c.dialLocked(ctx)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err == nil {
		return c.client, nil
	}

	var dialErr error
	dialed := false
	c.reconnectGate.Interval = c.currentBackoff()
	c.reconnectGate.Do(func() {
		dialed = true
		_, dialErr = c.dialLocked(ctx)
	})
	if !dialed {
		return nil, fmt.Errorf("reconnecting to redis: next attempt allowed after %s backoff", c.reconnectGate.Interval)
	}
	if dialErr != nil {
		return nil, fmt.Errorf("reconnecting to redis: %w", dialErr)
	}
	return c.client, nil
}

func (c *ConnectionManager) dialLocked(ctx context.Context) (*redis.Client, error) {
	if c.client != nil {
		_ = c.client.Close()
	}
	client := redis.NewClient(c.opts)
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(dialCtx).Err(); err != nil {
		c.attempts++
		return nil, err
	}
	c.attempts = 0
	c.connectCount++
	c.client = client
	return client, nil
}

// currentBackoff computes base*2^attempts capped at BackoffCap, reset to
// base on first success (attempts is zeroed by dialLocked).
func (c *ConnectionManager) currentBackoff() time.Duration {
	d := c.cfg.BackoffBase
	for i := 0; i < c.attempts; i++ {
		d *= 2
		if d >= c.cfg.BackoffCap {
			return c.cfg.BackoffCap
		}
	}
	return d
}

// Stats reports pool and connect-attempt counters consumed by the Resource
// Governor (C10).
type Stats struct {
	ConnectCount int
	PoolStats    *redis.PoolStats
}

func (c *ConnectionManager) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{ConnectCount: c.connectCount}
	if c.client != nil {
		s.PoolStats = c.client.PoolStats()
	}
	return s
}

// ResizePool changes the pool size used for future connections and
// redials immediately so the new size takes effect. The Resource
// Governor (C10) calls this to shrink the pool under memory pressure,
// mirroring resource_manager.py's connection pool accounting.
func (c *ConnectionManager) ResizePool(ctx context.Context, newSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newSize <= 0 || newSize == c.opts.PoolSize {
		return nil
	}
	c.opts.PoolSize = newSize
	_, err := c.dialLocked(ctx)
	return err
}

// PoolSize reports the pool size currently configured for new dials.
func (c *ConnectionManager) PoolSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.PoolSize
}

func (c *ConnectionManager) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
