package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard enforces static limits on the upgrade path. It does not
// auto-tune: the configured ceiling and CPU threshold are applied as-is,
// with CPU sampled periodically so admission checks stay cheap.
type ResourceGuard struct {
	maxConnections     int
	cpuRejectThreshold float64

	currentConns *int64 // owned by the gateway, read atomically
	currentCPU   atomic.Value

	logger zerolog.Logger
}

// NewResourceGuard creates a guard. currentConns points at the gateway's
// live connection counter.
func NewResourceGuard(maxConnections int, cpuRejectThreshold float64, currentConns *int64, logger zerolog.Logger) *ResourceGuard {
	rg := &ResourceGuard{
		maxConnections:     maxConnections,
		cpuRejectThreshold: cpuRejectThreshold,
		currentConns:       currentConns,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
	}
	rg.currentCPU.Store(0.0)
	return rg
}

// ShouldAccept reports whether a new connection can be admitted, with a
// human-readable reason on rejection.
func (rg *ResourceGuard) ShouldAccept() (bool, string) {
	conns := atomic.LoadInt64(rg.currentConns)
	if conns >= int64(rg.maxConnections) {
		return false, fmt.Sprintf("at max connections (%d)", rg.maxConnections)
	}

	cpuPct := rg.currentCPU.Load().(float64)
	if rg.cpuRejectThreshold > 0 && cpuPct > rg.cpuRejectThreshold {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, rg.cpuRejectThreshold)
	}

	return true, "OK"
}

// StartMonitoring samples CPU usage at interval until ctx is done.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rg.sample()
			case <-ctx.Done():
				rg.logger.Info().Msg("Resource guard monitoring stopped")
				return
			}
		}
	}()
}

func (rg *ResourceGuard) sample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		rg.logger.Debug().Err(err).Msg("CPU sample failed")
		return
	}
	rg.currentCPU.Store(percents[0])

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rg.logger.Debug().
		Float64("cpu_percent", percents[0]).
		Uint64("heap_alloc_mb", mem.Alloc/(1024*1024)).
		Int64("connections", atomic.LoadInt64(rg.currentConns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("Resource state updated")
}
