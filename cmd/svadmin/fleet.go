package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/p69180/svadmin/pkg/config"
	"github.com/p69180/svadmin/pkg/fleet"
	"github.com/p69180/svadmin/pkg/report"
	"github.com/p69180/svadmin/pkg/types"
)

func newFleetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Run svadmin on every configured node over ssh",
	}
	watch := &cobra.Command{
		Use:   "watchdog",
		Short: "Start one watchdog per node; failed nodes are skipped",
	}
	watch.AddCommand(newFleetWatchdogCmd(a, config.KindCPU), newFleetWatchdogCmd(a, config.KindMemory))
	cmd.AddCommand(watch, newFleetSnapshotCmd(a))
	return cmd
}

func newFleetWatchdogCmd(a *app, kind config.Kind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("Run the %s watchdog on every node", kind),
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
			f, err := config.FleetFromViper(v, w)
			if err != nil {
				return err
			}
			return a.runFleetWatchdog(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	config.WatchdogFlags(cmd.Flags(), kind)
	config.FleetFlags(cmd.Flags())
	return cmd
}

func (a *app) runFleetWatchdog(ctx context.Context, f config.Fleet, stdout io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	orch := fleet.NewOrchestrator(f, nil, a.logger)
	if f.Watchdog.Report == config.ReportJSON {
		enc := json.NewEncoder(stdout)
		orch.OnStatus = func(_ string, st types.Status) {
			if err := enc.Encode(st); err != nil {
				a.logger.Warn("writing status", zap.Error(err))
			}
		}
	}
	results := orch.Watch(ctx)
	return summarize(a.logger, results)
}

func newFleetSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Collect per-user usage from every node into one table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(cmd.Flags(), a.cfgFile)
			if err != nil {
				return err
			}
			s, err := config.SnapshotFromViper(v)
			if err != nil {
				return err
			}
			if s.Watch > 0 || s.Save != "" {
				return fmt.Errorf("%w: --watch and --save are node-local options", config.ErrInvalid)
			}
			f, err := config.FleetFromViper(v, config.Watchdog{})
			if err != nil {
				return err
			}
			return a.runFleetSnapshot(cmd.Context(), f, s, cmd.OutOrStdout())
		},
	}
	config.SnapshotFlags(cmd.Flags())
	config.FleetFlags(cmd.Flags())
	return cmd
}

func (a *app) runFleetSnapshot(ctx context.Context, f config.Fleet, s config.Snapshot, stdout io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	args := []string{
		"--" + config.KeyInterval, config.FormatSeconds(s.Interval),
		"--" + config.KeyTop, strconv.Itoa(s.TopN),
	}
	if s.User != "" {
		args = append(args, "--"+config.KeyUser, s.User)
	}
	if s.ShowKernel {
		args = append(args, "--"+config.KeyShowKernel)
	}

	snaps, results := fleet.NewOrchestrator(f, nil, a.logger).Snapshot(ctx, args)
	users := report.MergeUsers(snaps)
	if s.Report == config.ReportJSON {
		if err := json.NewEncoder(stdout).Encode(users); err != nil {
			return err
		}
	} else if err := report.WriteUserTable(stdout, users, true); err != nil {
		return err
	}
	return summarize(a.logger, results)
}

// summarize logs failed nodes and fails only when no node succeeded.
func summarize(logger *zap.Logger, results []fleet.Result) error {
	failed := fleet.Failed(results)
	for _, r := range failed {
		logger.Error("node failed", zap.String("node", r.Node), zap.Error(r.Err))
	}
	if len(results) > 0 && len(failed) == len(results) {
		return fmt.Errorf("all %d nodes failed", len(results))
	}
	return nil
}
