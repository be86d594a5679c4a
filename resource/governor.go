// Package resource implements the Resource Governor (C10): periodic
// memory/CPU sampling, a best-effort GC nudge, and emergency cleanup when
// memory pressure crosses 90% of the configured limit.
package resource

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	gopsutilprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/vedfolnir/capq/metrics"
	"github.com/vedfolnir/capq/redisinfra"
)

// Sample is one sampling pass's result.
type Sample struct {
	MemoryMB        float64
	MemoryPct       float64
	CPUPct          float64
	OpenConnections int
	OpenFiles       int
}

// CleanupCallback is invoked during emergency cleanup (Queue Manager's
// registry prune, Progress Tracker's TTL shrink).
type CleanupCallback func(ctx context.Context) error

type Config struct {
	SampleInterval time.Duration
	GCInterval     time.Duration
	MemoryLimitMB  int
	EmergencyPct   float64
	// MinPoolSize bounds how far emergencyCleanup will shrink the Redis
	// connection pool. 0 disables pool shrinking.
	MinPoolSize int
}

func DefaultConfig() Config {
	return Config{
		SampleInterval: 10 * time.Second,
		GCInterval:     5 * time.Minute,
		MemoryLimitMB:  500,
		EmergencyPct:   0.9,
		MinPoolSize:    5,
	}
}

// Governor owns the sampling loop and dispatches emergency cleanups.
type Governor struct {
	cfg    Config
	conn   *redisinfra.ConnectionManager
	logger *logharbour.Logger
	m      metrics.Metrics

	mu        sync.Mutex
	callbacks []CleanupCallback

	lastGC      time.Time
	poolShrunk  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewGovernor(conn *redisinfra.ConnectionManager, logger *logharbour.Logger, m metrics.Metrics, cfg Config) *Governor {
	if cfg.SampleInterval == 0 {
		cfg = DefaultConfig()
	}
	if m != nil {
		m.Register("capq_resource_memory_mb", "Gauge", "process RSS in MB")
		m.Register("capq_resource_memory_pct", "Gauge", "fraction of configured memory limit in use")
		m.Register("capq_resource_open_connections", "Gauge", "pooled redis connections in use")
	}
	return &Governor{cfg: cfg, conn: conn, logger: logger, m: m}
}

func (g *Governor) RegisterCleanupCallback(cb CleanupCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, cb)
}

func (g *Governor) sample() (Sample, error) {
	proc, err := gopsutilprocess.NewProcess(int32(os.Getpid()))
	if err != nil {
		return Sample{}, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	cpuPct, _ := proc.CPUPercent()
	openFiles, _ := proc.OpenFiles()

	memMB := float64(memInfo.RSS) / (1024 * 1024)
	memPct := 0.0
	if g.cfg.MemoryLimitMB > 0 {
		memPct = memMB / float64(g.cfg.MemoryLimitMB)
	}

	openConns := 0
	if g.conn != nil {
		if stats := g.conn.Stats(); stats.PoolStats != nil {
			openConns = int(stats.PoolStats.TotalConns)
		}
	}

	return Sample{
		MemoryMB:        memMB,
		MemoryPct:       memPct,
		CPUPct:          cpuPct,
		OpenConnections: openConns,
		OpenFiles:       len(openFiles),
	}, nil
}

// StartMonitoring starts the sampling loop until ctx is done or
// StopMonitoring is called.
func (g *Governor) StartMonitoring(ctx context.Context) {
	if g.stop != nil {
		return
	}
	g.stop = make(chan struct{})
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				g.tick(ctx)
			}
		}
	}()
}

func (g *Governor) tick(ctx context.Context) {
	sample, err := g.sample()
	if err != nil {
		if g.logger != nil {
			g.logger.Warn().LogActivity("resource sample failed", map[string]any{"error": err.Error()})
		}
		return
	}

	if g.m != nil {
		g.m.Record("capq_resource_memory_mb", sample.MemoryMB)
		g.m.Record("capq_resource_memory_pct", sample.MemoryPct)
		g.m.Record("capq_resource_open_connections", float64(sample.OpenConnections))
	}

	if time.Since(g.lastGC) >= g.cfg.GCInterval {
		runtime.GC()
		g.lastGC = time.Now()
	}

	if sample.MemoryPct >= g.cfg.EmergencyPct {
		g.emergencyCleanup(ctx, sample)
	} else {
		g.poolShrunk = false
	}
}

// shrinkPool halves the connection pool's size, down to MinPoolSize,
// the first time emergency cleanup runs under the current pressure
// episode. It does not grow the pool back; a later NewConnectionManager
// restart restores the configured default.
func (g *Governor) shrinkPool(ctx context.Context) {
	if g.conn == nil || g.cfg.MinPoolSize <= 0 || g.poolShrunk {
		return
	}
	current := g.conn.PoolSize()
	target := current / 2
	if target < g.cfg.MinPoolSize {
		target = g.cfg.MinPoolSize
	}
	if target >= current {
		g.poolShrunk = true
		return
	}
	if err := g.conn.ResizePool(ctx, target); err != nil {
		if g.logger != nil {
			g.logger.Warn().LogActivity("pool shrink failed", map[string]any{"error": err.Error()})
		}
		return
	}
	g.poolShrunk = true
	if g.logger != nil {
		g.logger.Info().LogActivity("shrank redis pool under memory pressure", map[string]any{"from": current, "to": target})
	}
}

func (g *Governor) emergencyCleanup(ctx context.Context, sample Sample) {
	runtime.GC()
	debug.FreeOSMemory()
	g.shrinkPool(ctx)

	g.mu.Lock()
	callbacks := append([]CleanupCallback(nil), g.callbacks...)
	g.mu.Unlock()

	var failed bool
	for _, cb := range callbacks {
		if err := cb(ctx); err != nil {
			failed = true
			if g.logger != nil {
				g.logger.Error(err).LogActivity("emergency cleanup callback failed", nil)
			}
		}
	}
	if failed && g.logger != nil {
		g.logger.Warn().LogActivity("emergency cleanup incomplete", map[string]any{"memory_pct": sample.MemoryPct})
	}
}

func (g *Governor) StopMonitoring() {
	if g.stop == nil {
		return
	}
	close(g.stop)
	g.wg.Wait()
	g.stop = nil
}
