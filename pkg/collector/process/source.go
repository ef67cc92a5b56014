// Package process reads the process table into types.ProcessSample records.
package process

import (
	"context"
	"errors"
	"fmt"

	gcpu "github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/p69180/svadmin/pkg/collector/cpu"
	"github.com/p69180/svadmin/pkg/collector/memory"
	"github.com/p69180/svadmin/pkg/types"
)

// ErrNotFound is returned by Sample when the pid no longer exists.
var ErrNotFound = errors.New("process not found")

// Source lists processes with their counters. Implementations skip processes that
// vanish or cannot be read instead of failing the whole listing.
type Source interface {
	Processes(ctx context.Context) ([]types.ProcessSample, error)
	Sample(ctx context.Context, pid int32) (types.ProcessSample, error)
}

// handle is the subset of *process.Process we read from.
type handle interface {
	UsernameWithContext(ctx context.Context) (string, error)
	NameWithContext(ctx context.Context) (string, error)
	CmdlineWithContext(ctx context.Context) (string, error)
	CreateTimeWithContext(ctx context.Context) (int64, error)
	PpidWithContext(ctx context.Context) (int32, error)
	StatusWithContext(ctx context.Context) ([]string, error)
	TimesWithContext(ctx context.Context) (*gcpu.TimesStat, error)
	IOCountersWithContext(ctx context.Context) (*process.IOCountersStat, error)
	MemoryInfoWithContext(ctx context.Context) (*process.MemoryInfoStat, error)
	NumThreadsWithContext(ctx context.Context) (int32, error)
}

// Options selects the optional, more expensive readings.
type Options struct {
	// PSS reads smaps_rollup for every process; usually requires root.
	PSS bool
	// Threads walks /proc/<pid>/task to count runnable threads.
	Threads bool
}

// Table is a Source backed by gopsutil.
type Table struct {
	opts     Options
	logger   *zap.Logger
	pids     func(ctx context.Context) ([]int32, error)
	open     func(ctx context.Context, pid int32) (handle, error)
	pss      func(pid int32) (uint64, error)
	runnable func(pid int32) (int32, error)
}

// NewTable returns a Source reading the live process table.
func NewTable(opts Options, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		opts:   opts,
		logger: logger,
		pids:   process.PidsWithContext,
		open: func(ctx context.Context, pid int32) (handle, error) {
			return process.NewProcessWithContext(ctx, pid)
		},
		pss:      memory.PSSBytes,
		runnable: cpu.RunnableThreads,
	}
}

// Processes samples every visible process.
func (t *Table) Processes(ctx context.Context) ([]types.ProcessSample, error) {
	pids, err := t.pids(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pids: %w", err)
	}
	samples := make([]types.ProcessSample, 0, len(pids))
	skipped := 0
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := t.Sample(ctx, pid)
		if err != nil {
			skipped++
			continue
		}
		samples = append(samples, s)
	}
	if skipped > 0 {
		t.logger.Debug("skipped unreadable processes", zap.Int("count", skipped))
	}
	return samples, nil
}

// Sample reads one process. Required fields are owner, create time and CPU
// times; the rest are filled in when readable.
func (t *Table) Sample(ctx context.Context, pid int32) (types.ProcessSample, error) {
	h, err := t.open(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return types.ProcessSample{}, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
		}
		return types.ProcessSample{}, fmt.Errorf("pid %d: %w", pid, err)
	}

	s := types.ProcessSample{PID: pid}
	if s.User, err = h.UsernameWithContext(ctx); err != nil {
		return types.ProcessSample{}, fmt.Errorf("pid %d owner: %w", pid, err)
	}
	if s.CreateTime, err = h.CreateTimeWithContext(ctx); err != nil {
		return types.ProcessSample{}, fmt.Errorf("pid %d create time: %w", pid, err)
	}
	times, err := h.TimesWithContext(ctx)
	if err != nil {
		return types.ProcessSample{}, fmt.Errorf("pid %d cpu times: %w", pid, err)
	}
	s.CPU = types.CPUTimes{User: times.User, System: times.System, Iowait: times.Iowait}

	s.Command = command(ctx, h)
	if ppid, err := h.PpidWithContext(ctx); err == nil {
		s.PPID = ppid
	}
	if status, err := h.StatusWithContext(ctx); err == nil && len(status) > 0 {
		s.Status = status[0]
	}
	if io, err := h.IOCountersWithContext(ctx); err == nil && io != nil {
		s.IO = &types.IOCounters{ReadBytes: io.ReadBytes, WriteBytes: io.WriteBytes}
	}
	if mi, err := h.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		s.RSSBytes = mi.RSS
	}
	if n, err := h.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	if t.opts.PSS {
		if pss, err := t.pss(pid); err == nil {
			s.PSSBytes = &pss
		}
	}
	if t.opts.Threads {
		if n, err := t.runnable(pid); err == nil {
			s.RunnableThreads = n
		}
	}
	return s, nil
}

// command prefers the full command line and falls back to the comm name for
// kernel threads, which have none.
func command(ctx context.Context, h handle) string {
	if cmdline, err := h.CmdlineWithContext(ctx); err == nil && cmdline != "" {
		return cmdline
	}
	if name, err := h.NameWithContext(ctx); err == nil && name != "" {
		return "[" + name + "]"
	}
	return "-"
}
