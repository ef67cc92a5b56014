package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/p69180/svadmin/pkg/collector/cpu"
	"github.com/p69180/svadmin/pkg/collector/memory"
	"github.com/p69180/svadmin/pkg/collector/process"
	"github.com/p69180/svadmin/pkg/config"
	"github.com/p69180/svadmin/pkg/enforce"
	"github.com/p69180/svadmin/pkg/killlog"
	"github.com/p69180/svadmin/pkg/metrics"
	"github.com/p69180/svadmin/pkg/monitor"
	"github.com/p69180/svadmin/pkg/policy"
	"github.com/p69180/svadmin/pkg/sampler"
	"github.com/p69180/svadmin/pkg/types"
)

func newWatchdogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Run the node-local monitor loop",
	}
	cmd.AddCommand(
		newWatchdogKindCmd(a, config.KindCPU, "Kill the heaviest user's processes while runnable+blocked tasks exceed the CPU count threshold"),
		newWatchdogKindCmd(a, config.KindMemory, "Kill the heaviest user's processes while unavailable memory exceeds the threshold fraction"),
	)
	return cmd
}

func newWatchdogKindCmd(a *app, kind config.Kind, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(cmd.Flags(), a.cfgFile)
			if err != nil {
				return err
			}
			w, err := config.WatchdogFromViper(v, kind)
			if err != nil {
				return err
			}
			return a.runWatchdog(cmd.Context(), w, cmd.OutOrStdout())
		},
	}
	config.WatchdogFlags(cmd.Flags(), kind)
	return cmd
}

func (a *app) runWatchdog(ctx context.Context, w config.Watchdog, stdout io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	host, err := monitor.Hostname(ctx)
	if err != nil {
		return fmt.Errorf("resolving hostname: %w", err)
	}
	kl, err := killlog.New(w.LogDir, host)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(kl.Dir(), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	var gauge policy.Gauge
	var opts process.Options
	switch w.Kind {
	case config.KindCPU:
		gauge = cpu.NewRunQueueGauge()
	case config.KindMemory:
		gauge = memory.NewUsageGauge()
		opts.PSS = w.Metric == types.MetricPSS
	}
	gate, err := policy.NewGate(gauge, w.BeginKill, w.StopKill, w.CheckNum, w.CheckInterval)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	logger := a.logger.With(zap.String("host", host), zap.String("watchdog", string(w.Kind)))
	a.warnIfUnprivileged("only your own processes can be killed")

	victims := enforce.PolicyFor(w.Escalate)
	enf := enforce.New(enforce.Config{
		Host:           host,
		Watchdog:       string(w.Kind),
		Metric:         w.Metric,
		Protected:      w.Protected,
		KillTimeout:    w.KillTimeout,
		SampleInterval: w.SampleInterval,
		Policy:         victims,
	}, sampler.New(process.NewTable(opts, logger)), gate, enforce.NewProcessTerminator(), logger)

	rec := metrics.NewRecorder(string(w.Kind))
	var serve func(context.Context) error
	if w.MetricsAddr != "" {
		serve = func(ctx context.Context) error { return rec.Serve(ctx, w.MetricsAddr, logger) }
	}

	loopOpts := monitor.Options{
		Host:     host,
		Watchdog: string(w.Kind),
		Metric:   w.Metric,
		Interval: w.MonitorInterval,
		Recorder: rec,
	}
	if w.Report == config.ReportJSON {
		loopOpts.Status = stdout
	}
	loop := monitor.New(loopOpts, gate, enf, kl, a.logger)

	logger.Info("watchdog started",
		zap.Float64("begin", w.BeginKill),
		zap.Float64("stop", w.StopKill),
		zap.Int("checknum", w.CheckNum),
		zap.Duration("checkintv", w.CheckInterval),
		zap.Duration("interval", w.MonitorInterval),
		zap.Duration("kill_timeout", w.KillTimeout),
		zap.Stringer("metric", w.Metric),
		zap.Strings("protected", w.Protected),
		zap.String("policy", victims.Name()),
		zap.String("logdir", kl.Dir()))
	err = supervise(ctx, loop, serve)
	logger.Info("watchdog stopped")
	return err
}

type loopRunner interface {
	Run(ctx context.Context) error
}

// supervise runs the monitor loop alongside the optional metrics server. If
// either fails the other is cancelled and the first error is returned.
func supervise(ctx context.Context, loop loopRunner, serve func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if serve != nil {
		g.Go(func() error {
			if err := serve(gctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return loop.Run(gctx) })
	return g.Wait()
}
