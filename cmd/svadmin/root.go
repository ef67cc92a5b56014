package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app carries the settings shared by every subcommand.
type app struct {
	cfgFile   string
	logFormat string
	logLevel  string
	logger    *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "svadmin",
		Short: "Police CPU and memory usage across a fleet of shared nodes",
		Long: `svadmin watches shared compute nodes and, when a node stays overloaded,
terminates the processes of the heaviest non-protected user until load falls
back below a lower threshold. It also reports per-user usage and open ports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			logger, err := newLogger(a.logFormat, a.logLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML config file whose keys mirror the flag names")
	pf.StringVar(&a.logFormat, "log-format", "console", "log encoding: console or json")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newWatchdogCmd(a),
		newFleetCmd(a),
		newSnapshotCmd(a),
		newPortsCmd(a),
	)
	return cmd
}

// newLogger builds a zap logger writing to stderr so stdout stays free for reports.
func newLogger(format, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log format %q (want console or json)", format)
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// warnIfUnprivileged notes that other users' processes will be out of reach.
func (a *app) warnIfUnprivileged(what string) {
	if os.Geteuid() != 0 {
		a.logger.Warn("not running as root: "+what, zap.Int("euid", os.Geteuid()))
	}
}
