package report

import (
	"slices"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/p69180/svadmin/pkg/types"
)

// ProcMetrics condenses the counters and rates of one process for a sample window.
type ProcMetrics struct {
	Host             string  `json:"host,omitempty"`
	PID              int32   `json:"pid"`
	PPID             int32   `json:"ppid"`
	CreateTime       int64   `json:"create_time"`
	User             string  `json:"user"`
	Command          string  `json:"command"`
	Status           string  `json:"status,omitempty"`
	HasRate          bool    `json:"has_rate"`
	CPUUserPct       float64 `json:"cpu_user_pct"`
	CPUSystemPct     float64 `json:"cpu_system_pct"`
	CPUIowaitPct     float64 `json:"cpu_iowait_pct"`
	CPUPercent       float64 `json:"cpu_pct"`
	HasIO            bool    `json:"has_io"`
	ReadBytesPerSec  float64 `json:"read_bps"`
	WriteBytesPerSec float64 `json:"write_bps"`
	RSSBytes         uint64  `json:"rss_bytes"`
	HasPSS           bool    `json:"has_pss"`
	PSSBytes         uint64  `json:"pss_bytes"`
	NumThreads       int32   `json:"threads"`
	RunnableThreads  int32   `json:"runnable_threads"`
}

// Value returns the row's figure for metric m. ok is false when the row has no
// such figure, in which case it must not take part in comparisons.
func (p ProcMetrics) Value(m types.Metric) (float64, bool) {
	switch m {
	case types.MetricCPU:
		return p.CPUPercent, p.HasRate
	case types.MetricPSS:
		return float64(p.PSSBytes), p.HasPSS
	case types.MetricRSS:
		return float64(p.RSSBytes), true
	}
	return 0, false
}

// FilterConfig controls which processes appear in CLI tables.
type FilterConfig struct {
	HideKernel *bool // nil defaults to true so kernel threads stay hidden unless explicitly shown
	User       string
}

func (cfg FilterConfig) hideKernelEnabled() bool {
	if cfg.HideKernel == nil {
		return true
	}
	return *cfg.HideKernel
}

// BuildProcMetrics joins samples with their rates. Samples without a rate keep
// their point values and are flagged HasRate=false.
func BuildProcMetrics(samples []types.ProcessSample, rates map[int32]types.RateSample) []ProcMetrics {
	rows := make([]ProcMetrics, 0, len(samples))
	for _, s := range samples {
		row := ProcMetrics{
			PID:             s.PID,
			PPID:            s.PPID,
			CreateTime:      s.CreateTime,
			User:            s.User,
			Command:         s.Command,
			Status:          s.Status,
			RSSBytes:        s.RSSBytes,
			NumThreads:      s.NumThreads,
			RunnableThreads: s.RunnableThreads,
		}
		if s.PSSBytes != nil {
			row.HasPSS = true
			row.PSSBytes = *s.PSSBytes
		}
		if r, ok := rates[s.PID]; ok {
			row.HasRate = true
			row.CPUUserPct = r.CPUUserPct
			row.CPUSystemPct = r.CPUSystemPct
			row.CPUIowaitPct = r.CPUIowaitPct
			row.CPUPercent = r.CPUTotalPct
			if r.IO != nil {
				row.HasIO = true
				row.ReadBytesPerSec = r.IO.ReadBytesPerSec
				row.WriteBytesPerSec = r.IO.WriteBytesPerSec
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// ResolveMemoryMetric returns want unless it is PSS and some candidate process
// lacks a PSS reading, in which case the whole evaluation falls back to RSS so
// users are never compared on mixed metrics. Kernel threads, zombies, processes
// without resident memory and those owned by a user in exclude are not
// candidates.
func ResolveMemoryMetric(rows []ProcMetrics, want types.Metric, exclude ...string) types.Metric {
	if want != types.MetricPSS {
		return want
	}
	for _, row := range rows {
		if row.HasPSS || !isMemoryCandidate(row) || slices.Contains(exclude, row.User) {
			continue
		}
		return types.MetricRSS
	}
	return want
}

func isMemoryCandidate(row ProcMetrics) bool {
	return !isKernelThread(row) && !isZombie(row) && row.RSSBytes > 0
}

func isZombie(row ProcMetrics) bool {
	return row.Status == process.Zombie || row.Status == "Z"
}

// FilterMetrics applies the kernel-thread and user filters before ranking tables.
func FilterMetrics(rows []ProcMetrics, cfg FilterConfig) []ProcMetrics {
	filtered := make([]ProcMetrics, 0, len(rows))
	for _, row := range rows {
		if passesFilters(row, cfg) {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

// TopProcesses returns the topK rows with the largest value of m.
func TopProcesses(rows []ProcMetrics, m types.Metric, topK int) []ProcMetrics {
	candidates := make([]ProcMetrics, 0, len(rows))
	for _, row := range rows {
		if _, ok := row.Value(m); ok {
			candidates = append(candidates, row)
		}
	}
	SortProcesses(candidates, m)
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

// SortProcesses orders rows by m descending, then pid ascending.
func SortProcesses(rows []ProcMetrics, m types.Metric) {
	sort.SliceStable(rows, func(i, j int) bool {
		vi, _ := rows[i].Value(m)
		vj, _ := rows[j].Value(m)
		if vi != vj {
			return vi > vj
		}
		return rows[i].PID < rows[j].PID
	})
}

func passesFilters(row ProcMetrics, cfg FilterConfig) bool {
	if cfg.hideKernelEnabled() && isKernelThread(row) {
		return false
	}
	if cfg.User != "" && !strings.EqualFold(row.User, cfg.User) {
		return false
	}
	return true
}

// isKernelThread matches kthreadd (pid 2) and its children.
func isKernelThread(row ProcMetrics) bool {
	return row.PID == 2 || row.PPID == 2
}
