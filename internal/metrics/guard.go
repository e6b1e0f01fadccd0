package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGuard performs admission control for new WebSocket
// connections based on static CPU/memory/connection-count thresholds,
// adapted from the teacher's src/resource_guard.go ResourceGuard -
// generalized from NATS-consumption rate limiting to HTTP upgrade
// admission since this domain's Bus traffic (C4) is not the
// backpressure point; new connections are.
type ResourceGuard struct {
	maxConnections   int
	cpuRejectPercent float64

	currentConns *atomic.Int64
	currentCPU   atomic.Value // float64
	log          zerolog.Logger
}

func NewResourceGuard(maxConnections int, cpuRejectPercent float64, currentConns *atomic.Int64, log zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{maxConnections: maxConnections, cpuRejectPercent: cpuRejectPercent, currentConns: currentConns, log: log}
	g.currentCPU.Store(0.0)
	return g
}

// ShouldAcceptConnection reports whether a new WebSocket upgrade should
// proceed, per spec.md §5's backpressure requirement.
func (g *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	if g.maxConnections > 0 && g.currentConns.Load() >= int64(g.maxConnections) {
		return false, "max connections reached"
	}
	if cpuPct, ok := g.currentCPU.Load().(float64); ok && g.cpuRejectPercent > 0 && cpuPct > g.cpuRejectPercent {
		return false, "cpu above reject threshold"
	}
	return true, ""
}

// StartMonitoring samples CPU/memory on interval until ctx is done.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *ResourceGuard) sample() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		g.currentCPU.Store(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		g.log.Debug().Float64("memUsedPercent", vm.UsedPercent).Msg("resource guard sample")
	}
}
