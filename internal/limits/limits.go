// Package limits enforces the streaming hub's admission bounds: static
// append and subscribe rate limiters and a connection admission guard, plus
// cgroup memory-limit detection. Payload and header size caps are checked
// by internal/stream, not here.
package limits

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Guard enforces a configured connection ceiling plus an emergency CPU
// brake, and rate-limits append and subscribe throughput. The detected
// memory limit is only reported (MemoryLimitBytes); it does not gate
// admission. It holds no per-request state
// beyond atomics and limiter token buckets, so a single Guard is shared by
// the whole process.
type Guard struct {
	logger *zap.Logger

	maxConnections int
	cpuRejectPct   float64

	appendLimiter     *rate.Limiter
	subscribeLimiter  *rate.Limiter

	memoryLimitBytes int64

	currentConns int64
	currentCPU   atomic.Value // float64
}

// Config configures a Guard. MaxAppendsPerSec/MaxSubscribesPerSec <= 0
// disables the respective rate limit.
type Config struct {
	MaxConnections      int
	CPURejectPercent    float64
	MaxAppendsPerSec    int
	MaxSubscribesPerSec int
}

// NewGuard detects the container memory limit (cgroup v2, falling back to
// v1, falling back to "no limit detected") and returns a Guard enforcing
// cfg against it.
func NewGuard(cfg Config, logger *zap.Logger) *Guard {
	memLimit, err := cgroupMemoryLimit()
	if err != nil {
		logger.Warn("limits: failed to read cgroup memory limit, proceeding without one", zap.Error(err))
	}

	var appendLimiter *rate.Limiter
	if cfg.MaxAppendsPerSec > 0 {
		appendLimiter = rate.NewLimiter(rate.Limit(cfg.MaxAppendsPerSec), cfg.MaxAppendsPerSec*2)
	}

	var subscribeLimiter *rate.Limiter
	if cfg.MaxSubscribesPerSec > 0 {
		subscribeLimiter = rate.NewLimiter(rate.Limit(cfg.MaxSubscribesPerSec), cfg.MaxSubscribesPerSec*2)
	}

	g := &Guard{
		logger:           logger,
		maxConnections:   cfg.MaxConnections,
		cpuRejectPct:     cfg.CPURejectPercent,
		appendLimiter:    appendLimiter,
		subscribeLimiter: subscribeLimiter,
		memoryLimitBytes: memLimit,
	}
	g.currentCPU.Store(0.0)
	return g
}

// AddConnection increments the live connection count; call Release when
// the connection ends. Not gated by ShouldAcceptConnection itself so the
// two can be composed at the call site.
func (g *Guard) AddConnection() {
	atomic.AddInt64(&g.currentConns, 1)
}

// ReleaseConnection decrements the live connection count.
func (g *Guard) ReleaseConnection() {
	atomic.AddInt64(&g.currentConns, -1)
}

// ShouldAcceptConnection reports whether a new subscriber connection may be
// admitted, checking the configured connection ceiling, the measured CPU
// emergency brake, and the subscribe-rate limiter. A zero MaxConnections
// disables the ceiling check; a zero MaxSubscribesPerSec disables the rate
// check.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	current := atomic.LoadInt64(&g.currentConns)
	if g.maxConnections > 0 && current >= int64(g.maxConnections) {
		return false, "at max connections"
	}
	if g.cpuRejectPct > 0 {
		if cpuPct, ok := g.currentCPU.Load().(float64); ok && cpuPct > g.cpuRejectPct {
			return false, "cpu overloaded"
		}
	}
	if g.subscribeLimiter != nil && !g.subscribeLimiter.Allow() {
		return false, "subscribe rate exceeded"
	}
	return true, ""
}

// AllowAppend reports whether an append should proceed under the
// configured rate limit. A nil limiter (MaxAppendsPerSec <= 0) always
// allows.
func (g *Guard) AllowAppend() bool {
	if g.appendLimiter == nil {
		return true
	}
	return g.appendLimiter.Allow()
}

// MemoryLimitBytes returns the detected container memory limit, or 0 if
// none was detected.
func (g *Guard) MemoryLimitBytes() int64 {
	return g.memoryLimitBytes
}

// StartMonitoring periodically samples CPU usage until ctx is cancelled,
// feeding the ShouldAcceptConnection brake. interval should be a few
// seconds; a shorter one adds measurable overhead from cpu.Percent.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sampleCPU()
			}
		}
	}()
}

func (g *Guard) sampleCPU() {
	pct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		g.logger.Warn("limits: cpu sample failed", zap.Error(err))
		return
	}
	if len(pct) > 0 {
		g.currentCPU.Store(pct[0])
	}
}

// cgroupMemoryLimit returns the container memory limit in bytes, trying
// cgroup v2 first and falling back to v1. Returns 0, nil if neither is
// present (bare-metal / no limit configured).
func cgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			return strconv.ParseInt(limit, 10, 64)
		}
		return 0, nil
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}

// NumCPU reports GOMAXPROCS, which automaxprocs has already aligned to the
// container's CPU quota (cmd/streamhubd wiring).
func NumCPU() int {
	return runtime.GOMAXPROCS(0)
}
