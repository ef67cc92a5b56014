// Package enforce selects the most responsible user on an overloaded node and
// terminates their processes one at a time until load falls below the stop
// threshold.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p69180/svadmin/pkg/report"
	"github.com/p69180/svadmin/pkg/types"
)

// ErrNoCandidates is returned when no unprotected process has a value for the metric.
var ErrNoCandidates = errors.New("no candidate processes")

// Snapshotter produces fresh per-process rows; *sampler.Sampler implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context, interval time.Duration, withRates bool) ([]report.ProcMetrics, error)
}

// StopCondition is asked after every kill step whether to keep going; *policy.Gate implements it.
type StopCondition interface {
	ShouldContinue(ctx context.Context) (bool, types.LoadReading, error)
}

// Config parameterises an Enforcer.
type Config struct {
	Host           string
	Watchdog       string
	Metric         types.Metric
	Protected      []string
	KillTimeout    time.Duration
	SampleInterval time.Duration
	Policy         VictimPolicy
}

// Episode is the outcome of one enforcement run.
type Episode struct {
	ID       string
	Metric   types.Metric // metric actually used, after any PSS fallback
	Records  []types.KillRecord
	Outcomes map[types.Outcome]int
	Final    types.LoadReading
	Relieved bool // load fell below the stop threshold
	Started  time.Time
	Finished time.Time
}

// Enforcer runs enforcement episodes.
type Enforcer struct {
	cfg    Config
	snap   Snapshotter
	stop   StopCondition
	term   Terminator
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// New returns an Enforcer. A nil policy means LargestUser.
func New(cfg Config, snap Snapshotter, stop StopCondition, term Terminator, logger *zap.Logger) *Enforcer {
	if cfg.Policy == nil {
		cfg.Policy = LargestUser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		cfg:    cfg,
		snap:   snap,
		stop:   stop,
		term:   term,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Run executes one episode: take a fresh snapshot, rank users, then terminate
// victims in order, re-checking the stop condition after each step. Records
// gathered before an error are returned with it.
func (e *Enforcer) Run(ctx context.Context) (ep Episode, err error) {
	ep = Episode{
		ID:       e.newID(),
		Metric:   e.cfg.Metric,
		Outcomes: make(map[types.Outcome]int),
		Started:  e.now(),
	}
	defer func() { ep.Finished = e.now() }()
	log := e.logger.With(zap.String("episode", ep.ID))

	rows, err := e.snap.Snapshot(ctx, e.cfg.SampleInterval, e.cfg.Metric == types.MetricCPU)
	if err != nil {
		return ep, fmt.Errorf("snapshot: %w", err)
	}
	ep.Metric = report.ResolveMemoryMetric(rows, e.cfg.Metric, e.cfg.Protected...)
	if ep.Metric != e.cfg.Metric {
		log.Warn("pss unavailable for some processes, ranking by rss",
			zap.Stringer("wanted", e.cfg.Metric), zap.Stringer("metric", ep.Metric))
	}

	ranked := report.RankUsers(report.AggregateByUser(rows, ep.Metric, e.cfg.Protected...))
	victims := e.cfg.Policy.Victims(ranked)
	if len(victims) == 0 {
		return ep, ErrNoCandidates
	}
	byUser := make(map[string]report.UserAggregate, len(ranked))
	for _, agg := range ranked {
		byUser[agg.User] = agg
	}

	var current string
	for _, v := range victims {
		if v.User != current {
			current = v.User
			agg := byUser[current]
			log.Info("selected victim user",
				zap.String("user", current),
				zap.Stringer("metric", ep.Metric),
				zap.String("value", report.FormatValue(ep.Metric, agg.Total)),
				zap.Int("procs", len(agg.Procs)),
				zap.String("policy", e.cfg.Policy.Name()))
		}
		value, _ := v.Value(ep.Metric)
		outcome, err := e.term.Terminate(ctx, v.PID, v.CreateTime, e.cfg.KillTimeout)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ep, ctxErr
		}
		procLog := log.With(zap.Int32("pid", v.PID), zap.String("user", v.User), zap.String("cmd", v.Command))
		if outcome != "" {
			ep.Outcomes[outcome]++
		}

		switch outcome {
		case types.OutcomeTerminated, types.OutcomeKilled, types.OutcomeSignalled:
			rec := types.KillRecord{
				Episode: ep.ID,
				Host:    e.cfg.Host,
				PID:     v.PID,
				User:    v.User,
				Command: v.Command,
				Metric:  ep.Metric,
				Value:   value,
				Outcome: outcome,
				Time:    e.now(),
			}
			ep.Records = append(ep.Records, rec)
			if outcome == types.OutcomeSignalled {
				procLog.Warn("process survived SIGTERM and SIGKILL was refused",
					zap.String("value", report.FormatValue(ep.Metric, value)), zap.Error(err))
				break
			}
			procLog.Info("killed process",
				zap.String("outcome", string(outcome)),
				zap.String("value", report.FormatValue(ep.Metric, value)))
		case types.OutcomeVanished:
			procLog.Info("process exited before it was signalled")
		default:
			procLog.Warn("could not signal process, skipping", zap.Error(err))
			continue
		}

		cont, reading, err := e.stop.ShouldContinue(ctx)
		if err != nil {
			return ep, fmt.Errorf("re-checking load: %w", err)
		}
		ep.Final = reading
		if !cont {
			ep.Relieved = true
			log.Info("load below stop threshold",
				zap.Float64("load", reading.Load), zap.Float64("threshold", reading.Threshold),
				zap.Int("kills", len(ep.Records)))
			return ep, nil
		}
	}

	log.Warn("victim list exhausted with load still above stop threshold",
		zap.Float64("load", ep.Final.Load), zap.Float64("threshold", ep.Final.Threshold),
		zap.Int("kills", len(ep.Records)))
	return ep, nil
}
