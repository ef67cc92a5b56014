// Package monitor runs the per-node watchdog loop: check for overload, run an
// enforcement episode when needed, log its kills, sleep, repeat.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/p69180/svadmin/pkg/enforce"
	"github.com/p69180/svadmin/pkg/sampler"
	"github.com/p69180/svadmin/pkg/types"
)

// OverloadCheck is satisfied by *policy.Gate.
type OverloadCheck interface {
	IsOverloaded(ctx context.Context) (bool, types.LoadReading, error)
}

// Episoder is satisfied by *enforce.Enforcer.
type Episoder interface {
	Run(ctx context.Context) (enforce.Episode, error)
}

// KillLog is satisfied by *killlog.Writer.
type KillLog interface {
	Write(records []types.KillRecord, at time.Time) (string, error)
}

// Recorder is satisfied by *metrics.Recorder.
type Recorder interface {
	Tick(state types.State, reading types.LoadReading)
	StopThreshold(v float64)
	Episode(outcomes map[types.Outcome]int, d time.Duration)
}

// Options configures a Loop.
type Options struct {
	Host     string
	Watchdog string
	Metric   types.Metric
	Interval time.Duration
	// Status, when set, receives one JSON Status line per tick.
	Status   io.Writer
	Recorder Recorder
}

// Loop is the node-local monitor.
type Loop struct {
	opts     Options
	gate     OverloadCheck
	enforcer Episoder
	killLog  KillLog
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// New returns a Loop.
func New(opts Options, gate OverloadCheck, enforcer Episoder, killLog KillLog, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		opts:     opts,
		gate:     gate,
		enforcer: enforcer,
		killLog:  killLog,
		logger:   logger.With(zap.String("host", opts.Host), zap.String("watchdog", opts.Watchdog)),
		sleep:    sampler.Sleep,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. Tick failures are reported and the loop
// carries on.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Tick(ctx)
		if err := l.sleep(ctx, l.opts.Interval); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// Tick performs one check and, when overloaded, one enforcement episode.
func (l *Loop) Tick(ctx context.Context) types.Status {
	st := types.Status{
		Host:     l.opts.Host,
		Watchdog: l.opts.Watchdog,
		Time:     l.now(),
		State:    types.StateChecking,
		Metric:   l.opts.Metric.String(),
	}
	l.logger.Info("checking load")

	over, reading, err := l.gate.IsOverloaded(ctx)
	st.Load, st.Threshold = reading.Load, reading.Threshold
	switch {
	case err != nil:
		st.State = types.StateError
		st.Error = err.Error()
		l.logger.Error("load check failed", zap.Error(err))
	case !over:
		st.State = types.StateBelowThreshold
		l.logger.Info("below threshold",
			zap.Float64("load", reading.Load), zap.Float64("threshold", reading.Threshold))
	default:
		st.State = types.StateOverloaded
		l.logger.Info("overloaded, killing",
			zap.Float64("load", reading.Load), zap.Float64("threshold", reading.Threshold))
		l.enforce(ctx, &st)
	}

	if l.opts.Recorder != nil {
		l.opts.Recorder.Tick(st.State, reading)
	}
	l.emit(st)
	return st
}

func (l *Loop) enforce(ctx context.Context, st *types.Status) {
	ep, err := l.enforcer.Run(ctx)
	if ep.Metric != 0 {
		st.Metric = ep.Metric.String()
	}
	if l.opts.Recorder != nil {
		l.opts.Recorder.Episode(ep.Outcomes, ep.Finished.Sub(ep.Started))
		if ep.Final.Threshold > 0 {
			l.opts.Recorder.StopThreshold(ep.Final.Threshold)
		}
	}
	for _, r := range ep.Records {
		st.Kills = append(st.Kills, types.KillStatus{
			PID: r.PID, User: r.User, Command: r.Command, Value: r.Value, Outcome: r.Outcome,
		})
	}

	switch {
	case errors.Is(err, enforce.ErrNoCandidates):
		l.logger.Warn("overloaded but no unprotected process to kill")
		return
	case err != nil:
		st.Error = err.Error()
		l.logger.Error("enforcement episode failed", zap.String("episode", ep.ID), zap.Error(err))
		if len(ep.Records) == 0 {
			return
		}
	}

	path, werr := l.killLog.Write(ep.Records, ep.Started)
	if werr != nil {
		l.logger.Error("writing kill log", zap.String("episode", ep.ID), zap.Error(werr))
		if st.Error == "" {
			st.Error = werr.Error()
		}
		return
	}
	st.LogFile = path
	l.logger.Info("episode finished",
		zap.String("episode", ep.ID),
		zap.Int("kills", len(ep.Records)),
		zap.Bool("relieved", ep.Relieved),
		zap.String("log", path))
}

func (l *Loop) emit(st types.Status) {
	if l.opts.Status == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		l.logger.Error("encoding status", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := l.opts.Status.Write(data); err != nil {
		l.logger.Warn("writing status", zap.Error(err))
	}
}
