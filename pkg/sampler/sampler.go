// Package sampler turns two time-separated process readings into rates.
package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/p69180/svadmin/pkg/collector/process"
	"github.com/p69180/svadmin/pkg/report"
	"github.com/p69180/svadmin/pkg/types"
)

// DefaultInterval is the gap between the two readings of a rate sample.
const DefaultInterval = 200 * time.Millisecond

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sampler reads counters from a Source.
type Sampler struct {
	src   process.Source
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Sampler over src.
func New(src process.Source) *Sampler {
	return &Sampler{src: src, sleep: Sleep}
}

// Rate computes per-second rates between two samples of the same process.
// ok is false when the samples belong to different process instances or a
// counter went backwards.
func Rate(begin, end types.ProcessSample, interval time.Duration) (types.RateSample, bool) {
	secs := interval.Seconds()
	if secs <= 0 || !begin.SameProcess(end) {
		return types.RateSample{}, false
	}
	if end.CPU.User < begin.CPU.User || end.CPU.System < begin.CPU.System || end.CPU.Iowait < begin.CPU.Iowait {
		return types.RateSample{}, false
	}

	r := types.RateSample{
		PID:          end.PID,
		CPUUserPct:   100 * (end.CPU.User - begin.CPU.User) / secs,
		CPUSystemPct: 100 * (end.CPU.System - begin.CPU.System) / secs,
		CPUIowaitPct: 100 * (end.CPU.Iowait - begin.CPU.Iowait) / secs,
	}
	r.CPUTotalPct = r.CPUUserPct + r.CPUSystemPct + r.CPUIowaitPct

	if begin.IO != nil && end.IO != nil &&
		end.IO.ReadBytes >= begin.IO.ReadBytes && end.IO.WriteBytes >= begin.IO.WriteBytes {
		read := end.IO.ReadBytes - begin.IO.ReadBytes
		written := end.IO.WriteBytes - begin.IO.WriteBytes
		r.IO = &types.IORate{
			ReadBytes:        read,
			WriteBytes:       written,
			ReadBytesPerSec:  float64(read) / secs,
			WriteBytesPerSec: float64(written) / secs,
		}
	}
	return r, true
}

// Rates pairs begin and end readings by pid. Pids missing from either side are
// absent from the result.
func Rates(begin, end []types.ProcessSample, interval time.Duration) map[int32]types.RateSample {
	byPID := make(map[int32]types.ProcessSample, len(begin))
	for _, s := range begin {
		byPID[s.PID] = s
	}
	result := make(map[int32]types.RateSample, len(end))
	for _, e := range end {
		b, ok := byPID[e.PID]
		if !ok {
			continue
		}
		if r, ok := Rate(b, e, interval); ok {
			result[e.PID] = r
		}
	}
	return result
}

// SampleRates reads pids, waits interval and reads them again. A pid that cannot
// be read at either end yields no entry rather than an error.
func (s *Sampler) SampleRates(ctx context.Context, pids []int32, interval time.Duration) (map[int32]types.RateSample, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %v", interval)
	}
	begin := s.read(ctx, pids)
	if err := s.sleep(ctx, interval); err != nil {
		return nil, err
	}
	end := s.read(ctx, pids)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Rates(begin, end, interval), nil
}

func (s *Sampler) read(ctx context.Context, pids []int32) []types.ProcessSample {
	samples := make([]types.ProcessSample, 0, len(pids))
	for _, pid := range pids {
		sample, err := s.src.Sample(ctx, pid)
		if err != nil {
			continue
		}
		samples = append(samples, sample)
	}
	return samples
}

// Snapshot lists all processes and, when withRates is set, samples them again
// after interval. Point values come from the latest readable sample.
func (s *Sampler) Snapshot(ctx context.Context, interval time.Duration, withRates bool) ([]report.ProcMetrics, error) {
	begin, err := s.src.Processes(ctx)
	if err != nil {
		return nil, err
	}
	if !withRates {
		return report.BuildProcMetrics(begin, nil), nil
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %v", interval)
	}

	pids := make([]int32, len(begin))
	for i, b := range begin {
		pids[i] = b.PID
	}
	if err := s.sleep(ctx, interval); err != nil {
		return nil, err
	}
	end := s.read(ctx, pids)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rates := Rates(begin, end, interval)

	latest := make(map[int32]types.ProcessSample, len(end))
	for _, e := range end {
		latest[e.PID] = e
	}
	merged := make([]types.ProcessSample, 0, len(begin))
	for _, b := range begin {
		if e, ok := latest[b.PID]; ok && e.SameProcess(b) {
			merged = append(merged, e)
			continue
		}
		merged = append(merged, b)
	}
	return report.BuildProcMetrics(merged, rates), nil
}
