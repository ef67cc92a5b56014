package memory

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// UsageGauge measures memory pressure as unavailable bytes against total
// physical memory. Page cache that cannot be reclaimed, such as shmem and tmpfs,
// counts as used.
type UsageGauge struct {
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewUsageGauge returns a gauge backed by /proc/meminfo.
func NewUsageGauge() *UsageGauge {
	return &UsageGauge{virtualMemory: mem.VirtualMemoryWithContext}
}

func (g *UsageGauge) read(ctx context.Context) (*mem.VirtualMemoryStat, error) {
	vm, err := g.virtualMemory(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory usage: %w", err)
	}
	if vm.Total == 0 {
		return nil, fmt.Errorf("reading memory usage: total memory is zero")
	}
	return vm, nil
}

// Load returns Total - Available in bytes.
func (g *UsageGauge) Load(ctx context.Context) (float64, error) {
	vm, err := g.read(ctx)
	if err != nil {
		return 0, err
	}
	if vm.Available >= vm.Total {
		return 0, nil
	}
	return float64(vm.Total - vm.Available), nil
}

// Capacity returns total physical memory in bytes.
// TODO: honour cgroup v2 memory.max when it is below physical memory.
func (g *UsageGauge) Capacity(ctx context.Context) (float64, error) {
	vm, err := g.read(ctx)
	if err != nil {
		return 0, err
	}
	return float64(vm.Total), nil
}
