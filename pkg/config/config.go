// Package config holds the validated settings of every svadmin command and
// binds them to flags, environment variables and config files.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/p69180/svadmin/pkg/sampler"
	"github.com/p69180/svadmin/pkg/types"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Kind selects the resource a watchdog polices.
type Kind string

const (
	KindCPU    Kind = "cpu"
	KindMemory Kind = "memory"
)

// ParseKind accepts "cpu" or "memory".
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCPU, KindMemory:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: unknown watchdog %q (want cpu or memory)", ErrInvalid, s)
}

// Report formats for per-tick status output.
const (
	ReportText = "text"
	ReportJSON = "json"
)

// Watchdog configures one node-local monitor loop.
type Watchdog struct {
	Kind            Kind
	LogDir          string
	CheckNum        int
	CheckInterval   time.Duration
	BeginKill       float64
	StopKill        float64
	MonitorInterval time.Duration
	KillTimeout     time.Duration
	SampleInterval  time.Duration
	Metric          types.Metric
	Protected       []string
	Escalate        bool
	Report          string
	MetricsAddr     string
}

// Defaults returns the settings used when no flag overrides them.
func Defaults(kind Kind) Watchdog {
	w := Watchdog{
		Kind:            kind,
		CheckNum:        3,
		CheckInterval:   3 * time.Second,
		MonitorInterval: 60 * time.Second,
		KillTimeout:     5 * time.Second,
		SampleInterval:  sampler.DefaultInterval,
		Protected:       []string{types.DefaultProtectedUser},
		Report:          ReportText,
	}
	switch kind {
	case KindMemory:
		w.BeginKill, w.StopKill = 0.9, 0.8
		w.Metric = types.MetricPSS
	default:
		w.BeginKill, w.StopKill = 2, 1
		w.Metric = types.MetricCPU
	}
	return w
}

// Validate checks the settings once at startup.
func (w *Watchdog) Validate() error {
	if _, err := ParseKind(string(w.Kind)); err != nil {
		return err
	}
	if w.LogDir == "" {
		return fmt.Errorf("%w: --logdir is required", ErrInvalid)
	}
	if w.CheckNum < 1 {
		return fmt.Errorf("%w: --checknum must be at least 1, got %d", ErrInvalid, w.CheckNum)
	}
	if w.CheckInterval < 0 {
		return fmt.Errorf("%w: --checkintv must not be negative", ErrInvalid)
	}
	if w.MonitorInterval < 0 {
		return fmt.Errorf("%w: --monitor-interval must not be negative", ErrInvalid)
	}
	if w.KillTimeout <= 0 {
		return fmt.Errorf("%w: --kill-timeout must be positive", ErrInvalid)
	}
	if w.Kind == KindCPU && w.SampleInterval <= 0 {
		return fmt.Errorf("%w: --sample-interval must be positive", ErrInvalid)
	}
	if w.BeginKill <= 0 || w.StopKill <= 0 {
		return fmt.Errorf("%w: thresholds must be positive (begin=%g stop=%g)", ErrInvalid, w.BeginKill, w.StopKill)
	}
	if w.BeginKill < w.StopKill {
		return fmt.Errorf("%w: --beginkill-threshold %g is below --stopkill-threshold %g", ErrInvalid, w.BeginKill, w.StopKill)
	}
	switch w.Kind {
	case KindCPU:
		if w.Metric != types.MetricCPU {
			return fmt.Errorf("%w: the cpu watchdog ranks by cpu, not %s", ErrInvalid, w.Metric)
		}
	case KindMemory:
		if !w.Metric.IsMemory() {
			return fmt.Errorf("%w: the memory watchdog ranks by pss or rss, not %s", ErrInvalid, w.Metric)
		}
	}
	if w.Report != ReportText && w.Report != ReportJSON {
		return fmt.Errorf("%w: unknown report format %q (want text or json)", ErrInvalid, w.Report)
	}
	return nil
}

// Args renders w as the argument vector of a node-local "watchdog" command.
// Remote instances always report JSON so the fleet can decode their status.
func (w Watchdog) Args() []string {
	args := []string{
		"watchdog", string(w.Kind),
		"--logdir", w.LogDir,
		"--checknum", strconv.Itoa(w.CheckNum),
		"--checkintv", FormatSeconds(w.CheckInterval),
		"--beginkill-threshold", strconv.FormatFloat(w.BeginKill, 'g', -1, 64),
		"--stopkill-threshold", strconv.FormatFloat(w.StopKill, 'g', -1, 64),
		"--monitor-interval", FormatSeconds(w.MonitorInterval),
		"--kill-timeout", FormatSeconds(w.KillTimeout),
		"--report", ReportJSON,
	}
	if w.Kind == KindCPU {
		args = append(args, "--sample-interval", FormatSeconds(w.SampleInterval))
	} else {
		args = append(args, "--metric", w.Metric.String())
	}
	for _, u := range w.Protected {
		args = append(args, "--protect", u)
	}
	if w.Escalate {
		args = append(args, "--escalate")
	}
	if w.MetricsAddr != "" {
		args = append(args, "--metrics-addr", w.MetricsAddr)
	}
	return args
}

// Snapshot configures the one-shot (or watched) usage report.
type Snapshot struct {
	Interval   time.Duration
	TopN       int
	User       string
	ShowKernel bool
	Save       string
	Watch      time.Duration
	Report     string
}

// DefaultSnapshot returns the snapshot defaults.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Interval: sampler.DefaultInterval,
		TopN:     types.DefaultTopK,
		Report:   ReportText,
	}
}

// Validate checks the snapshot settings.
func (s *Snapshot) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("%w: --interval must be positive", ErrInvalid)
	}
	if s.TopN < 0 {
		return fmt.Errorf("%w: --top must not be negative", ErrInvalid)
	}
	if s.Watch < 0 {
		return fmt.Errorf("%w: --watch must not be negative", ErrInvalid)
	}
	if s.Report != ReportText && s.Report != ReportJSON {
		return fmt.Errorf("%w: unknown report format %q (want text or json)", ErrInvalid, s.Report)
	}
	if s.Watch > 0 && (s.Save != "" || s.Report == ReportJSON) {
		return fmt.Errorf("%w: --watch cannot be combined with --save or --report json", ErrInvalid)
	}
	return nil
}
