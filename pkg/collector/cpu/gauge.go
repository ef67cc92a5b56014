package cpu

import (
	"context"
	"fmt"

	gcpu "github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
)

// RunQueueGauge measures CPU pressure as the number of tasks that are runnable or
// blocked on IO, against the number of logical CPUs.
type RunQueueGauge struct {
	misc   func(ctx context.Context) (*load.MiscStat, error)
	counts func(ctx context.Context, logical bool) (int, error)
}

// NewRunQueueGauge returns a gauge backed by /proc/stat.
func NewRunQueueGauge() *RunQueueGauge {
	return &RunQueueGauge{
		misc:   load.MiscWithContext,
		counts: gcpu.CountsWithContext,
	}
}

// Load returns procs_running + procs_blocked.
func (g *RunQueueGauge) Load(ctx context.Context) (float64, error) {
	stat, err := g.misc(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading run queue: %w", err)
	}
	return float64(stat.ProcsRunning + stat.ProcsBlocked), nil
}

// Capacity returns the logical CPU count.
func (g *RunQueueGauge) Capacity(ctx context.Context) (float64, error) {
	n, err := g.counts(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("counting cpus: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("counting cpus: got %d", n)
	}
	return float64(n), nil
}
