package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/p69180/svadmin/pkg/collector/process"
	"github.com/p69180/svadmin/pkg/config"
	"github.com/p69180/svadmin/pkg/monitor"
	"github.com/p69180/svadmin/pkg/report"
	"github.com/p69180/svadmin/pkg/sampler"
	"github.com/p69180/svadmin/pkg/ui"
)

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show per-user usage and the heaviest processes on this node",
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
			return a.runSnapshot(cmd.Context(), s, cmd.OutOrStdout())
		},
	}
	config.SnapshotFlags(cmd.Flags())
	return cmd
}

func (a *app) runSnapshot(ctx context.Context, s config.Snapshot, stdout io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	if s.Save != "" {
		if _, err := os.Stat(s.Save); err == nil {
			return fmt.Errorf("%w: %s already exists", config.ErrInvalid, s.Save)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	host, err := monitor.Hostname(ctx)
	if err != nil {
		return fmt.Errorf("resolving hostname: %w", err)
	}
	if s.Report == config.ReportText {
		a.warnIfUnprivileged("pss and io figures of other users are unavailable")
	}

	smp := sampler.New(process.NewTable(process.Options{PSS: true, Threads: true}, a.logger))
	hideKernel := !s.ShowKernel
	filter := report.FilterConfig{HideKernel: &hideKernel, User: s.User}
	take := func() ([]report.ProcMetrics, report.Snapshot, error) {
		rows, err := smp.Snapshot(ctx, s.Interval, true)
		if err != nil {
			return nil, report.Snapshot{}, err
		}
		rows = report.FilterMetrics(rows, filter)
		return rows, report.BuildSnapshot(host, rows, s.Interval, s.TopN, time.Now()), nil
	}

	if s.Watch > 0 {
		return a.watchSnapshot(ctx, s, take)
	}

	rows, snap, err := take()
	if err != nil {
		return err
	}
	if s.Save != "" {
		if err := saveTSV(s.Save, rows); err != nil {
			return err
		}
		a.logger.Info("saved process table", zap.String("path", s.Save), zap.Int("rows", len(rows)))
	}
	if s.Report == config.ReportJSON {
		return report.EncodeSnapshot(stdout, snap)
	}
	return report.WriteSnapshot(stdout, snap, s.TopN)
}

func (a *app) watchSnapshot(ctx context.Context, s config.Snapshot, take func() ([]report.ProcMetrics, report.Snapshot, error)) error {
	cleanupTerminal := ui.EnableSingleView(a.logger)
	defer cleanupTerminal()

	for {
		_, snap, err := take()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error("snapshot failed", zap.Error(err))
		} else {
			var buf bytes.Buffer
			buf.WriteString(ui.Banner())
			fmt.Fprintf(&buf, "(press Ctrl+C to exit, refresh every %v)\n", s.Watch)
			if err := report.WriteSnapshot(&buf, snap, s.TopN); err != nil {
				return err
			}
			ui.ClearScreen(os.Stdout)
			fmt.Print(buf.String())
		}
		if err := sampler.Sleep(ctx, s.Watch); err != nil {
			return nil
		}
	}
}

// saveTSV writes rows to a new file and refuses to replace an existing one.
func saveTSV(path string, rows []report.ProcMetrics) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := report.WriteTSV(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
