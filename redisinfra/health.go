// Package redisinfra owns the Redis connection pool and periodic health
// probing that every other component depends on (C1 Redis Health Monitor,
// C2 Connection Manager).
package redisinfra

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
)

// HealthStatus is the result of one CheckHealth call.
type HealthStatus struct {
	Healthy        bool
	ResponseTimeMs int64
	MemoryPct      float64
	Clients        int
}

// FailureCallback and RecoveryCallback fire once per edge transition.
// Implementations must be non-blocking.
type FailureCallback func()
type RecoveryCallback func()

// HealthMonitor periodically probes Redis and classifies the connection as
// healthy or unhealthy, firing registered callbacks only on edge
// transitions -- the 3-in-a-row failure rule absorbs transient blips and
// edge-only firing guarantees callbacks never re-enter.
type HealthMonitor struct {
	client              *redis.Client
	logger              *logharbour.Logger
	checkInterval       time.Duration
	failureThreshold    int
	memoryThreshold     float64
	pingDeadline        time.Duration

	mu                  sync.Mutex
	consecutiveFailures int
	healthy             bool

	failureCallbacks  []FailureCallback
	recoveryCallbacks []RecoveryCallback

	stop chan struct{}
	wg   sync.WaitGroup
}

type HealthMonitorConfig struct {
	CheckInterval    time.Duration
	FailureThreshold int
	MemoryThreshold  float64
}

func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval:    30 * time.Second,
		FailureThreshold: 3,
		MemoryThreshold:  0.8,
	}
}

func NewHealthMonitor(client *redis.Client, logger *logharbour.Logger, cfg HealthMonitorConfig) *HealthMonitor {
	if cfg.CheckInterval == 0 {
		cfg = DefaultHealthMonitorConfig()
	}
	return &HealthMonitor{
		client:           client,
		logger:           logger,
		checkInterval:    cfg.CheckInterval,
		failureThreshold: cfg.FailureThreshold,
		memoryThreshold:  cfg.MemoryThreshold,
		pingDeadline:     5 * time.Second,
		healthy:          true,
	}
}

// RegisterFailureCallback and RegisterRecoveryCallback are idempotent with
// respect to nil; callers may register multiple distinct callbacks.
func (h *HealthMonitor) RegisterFailureCallback(f FailureCallback) {
	if f == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureCallbacks = append(h.failureCallbacks, f)
}

func (h *HealthMonitor) RegisterRecoveryCallback(f RecoveryCallback) {
	if f == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recoveryCallbacks = append(h.recoveryCallbacks, f)
}

// CheckHealth runs PING bounded by a 5s deadline, then INFO memory and INFO
// clients. Healthy iff ping succeeds within the deadline AND used_memory /
// maxmemory is under the configured threshold AND INFO returned data.
func (h *HealthMonitor) CheckHealth(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.pingDeadline)
	defer cancel()

	start := time.Now()
	if err := h.client.Ping(ctx).Err(); err != nil {
		return HealthStatus{Healthy: false}
	}
	elapsed := time.Since(start)

	memInfo, err := h.client.Info(ctx, "memory").Result()
	if err != nil || memInfo == "" {
		return HealthStatus{Healthy: false, ResponseTimeMs: elapsed.Milliseconds()}
	}
	clientInfo, err := h.client.Info(ctx, "clients").Result()
	if err != nil || clientInfo == "" {
		return HealthStatus{Healthy: false, ResponseTimeMs: elapsed.Milliseconds()}
	}

	used, max := parseMemoryUsage(memInfo)
	memPct := 0.0
	if max > 0 {
		memPct = used / max
	}
	clients := parseConnectedClients(clientInfo)

	healthy := memPct < h.memoryThreshold || max == 0
	return HealthStatus{
		Healthy:        healthy,
		ResponseTimeMs: elapsed.Milliseconds(),
		MemoryPct:      memPct,
		Clients:        clients,
	}
}

// recordResult applies the edge-transition rule and fires callbacks.
func (h *HealthMonitor) recordResult(status HealthStatus) {
	h.mu.Lock()
	var toFire []func()
	if status.Healthy {
		wasUnhealthy := !h.healthy
		h.consecutiveFailures = 0
		h.healthy = true
		if wasUnhealthy {
			for _, f := range h.recoveryCallbacks {
				toFire = append(toFire, func() { f() })
			}
		}
	} else {
		h.consecutiveFailures++
		if h.consecutiveFailures >= h.failureThreshold && h.healthy {
			h.healthy = false
			for _, f := range h.failureCallbacks {
				toFire = append(toFire, func() { f() })
			}
		}
	}
	h.mu.Unlock()

	// Callback exceptions are logged and swallowed -- they never halt
	// monitoring or block the caller.
	for _, f := range toFire {
		h.safeCall(f)
	}
}

func (h *HealthMonitor) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			if h.logger != nil {
				h.logger.Warn().LogActivity("health callback panicked", map[string]any{"panic": r})
			}
		}
	}()
	f()
}

func (h *HealthMonitor) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// StartMonitoring starts a single periodic probing loop. Calling it twice
// is a no-op if already running.
func (h *HealthMonitor) StartMonitoring(ctx context.Context) {
	if h.stop != nil {
		return
	}
	h.stop = make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.checkInterval)
		defer ticker.Stop()
		h.recordResult(h.CheckHealth(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				h.recordResult(h.CheckHealth(ctx))
			}
		}
	}()
}

func (h *HealthMonitor) StopMonitoring() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.wg.Wait()
	h.stop = nil
}

func parseMemoryUsage(info string) (used, max float64) {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			used, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
		if v, ok := strings.CutPrefix(line, "maxmemory:"); ok {
			max, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	}
	return used, max
}

func parseConnectedClients(info string) int {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "connected_clients:"); ok {
			n, _ := strconv.Atoi(strings.TrimSpace(v))
			return n
		}
	}
	return 0
}
