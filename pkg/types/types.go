package types

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTopK controls how many top processes we display per resource category.
const DefaultTopK = 5

// DefaultProtectedUser is never chosen as an enforcement victim.
const DefaultProtectedUser = "root"

// CPUTimes are cumulative CPU seconds consumed by a process.
type CPUTimes struct {
	User   float64
	System float64
	Iowait float64
}

// IOCounters are cumulative bytes read from and written to storage by a process.
type IOCounters struct {
	ReadBytes  uint64
	WriteBytes uint64
}

// ProcessSample is one point-in-time reading of a process's counters.
// IO and PSSBytes are nil when the kernel refused to expose them.
type ProcessSample struct {
	PID             int32
	PPID            int32
	User            string
	Command         string
	CreateTime      int64 // ms since epoch, distinguishes recycled pids
	Status          string
	CPU             CPUTimes
	IO              *IOCounters
	RSSBytes        uint64
	PSSBytes        *uint64
	NumThreads      int32
	RunnableThreads int32
}

// SameProcess reports whether two samples describe the same process instance.
func (s ProcessSample) SameProcess(other ProcessSample) bool {
	return s.PID == other.PID && s.CreateTime == other.CreateTime
}

// IORate is the storage throughput of a process over one sampling window.
type IORate struct {
	ReadBytesPerSec  float64
	WriteBytesPerSec float64
	ReadBytes        uint64
	WriteBytes       uint64
}

// RateSample is derived from two samples of the same pid taken an interval apart.
type RateSample struct {
	PID          int32
	CPUUserPct   float64
	CPUSystemPct float64
	CPUIowaitPct float64
	CPUTotalPct  float64
	IO           *IORate
}

// Metric selects the consumption figure a watchdog ranks users and processes by.
type Metric int

const (
	MetricCPU Metric = iota + 1
	MetricPSS
	MetricRSS
)

func (m Metric) String() string {
	switch m {
	case MetricCPU:
		return "cpu"
	case MetricPSS:
		return "pss"
	case MetricRSS:
		return "rss"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// Unit is the column suffix used when the metric is rendered.
func (m Metric) Unit() string {
	if m == MetricCPU {
		return "%"
	}
	return "bytes"
}

// IsMemory reports whether the metric is a point memory value.
func (m Metric) IsMemory() bool {
	return m == MetricPSS || m == MetricRSS
}

// ParseMetric maps a flag value onto the closed set of metric kinds.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return MetricCPU, nil
	case "pss":
		return MetricPSS, nil
	case "rss":
		return MetricRSS, nil
	}
	return 0, fmt.Errorf("unknown metric %q (want cpu, pss or rss)", s)
}

// LoadReading is a load value together with the threshold it was compared to.
type LoadReading struct {
	Load      float64
	Capacity  float64
	Factor    float64
	Threshold float64
	Samples   []float64
}

// Outcome is how a termination attempt ended.
type Outcome string

const (
	OutcomeTerminated Outcome = "terminated" // exited after the graceful signal
	OutcomeKilled     Outcome = "killed"     // needed the forceful signal
	OutcomeSignalled  Outcome = "signalled"  // took the graceful signal but refused the forceful one
	OutcomeVanished   Outcome = "vanished"   // gone before we could signal it
	OutcomeDenied     Outcome = "denied"
)

// KillRecord is one row of the per-episode kill log.
type KillRecord struct {
	Episode string
	Host    string
	PID     int32
	User    string
	Command string
	Metric  Metric
	Value   float64
	Outcome Outcome
	Time    time.Time
}

// State is the result of one monitor tick.
type State string

const (
	StateChecking       State = "checking"
	StateOverloaded     State = "overloaded"
	StateBelowThreshold State = "below-threshold"
	StateError          State = "error"
)

// Status is reported once per tick; fleet orchestration decodes it from JSON lines.
type Status struct {
	Host      string       `json:"host"`
	Watchdog  string       `json:"watchdog"`
	Time      time.Time    `json:"time"`
	State     State        `json:"state"`
	Load      float64      `json:"load"`
	Threshold float64      `json:"threshold"`
	Metric    string       `json:"metric,omitempty"`
	Kills     []KillStatus `json:"kills,omitempty"`
	LogFile   string       `json:"log_file,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// KillStatus is the JSON form of a KillRecord inside a Status.
type KillStatus struct {
	PID     int32   `json:"pid"`
	User    string  `json:"user"`
	Command string  `json:"command"`
	Value   float64 `json:"value"`
	Outcome Outcome `json:"outcome"`
}
