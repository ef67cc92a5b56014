package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/p69180/svadmin/pkg/types"
)

// EnvPrefix namespaces environment overrides, e.g. SVADMIN_LOGDIR.
const EnvPrefix = "SVADMIN"

// Flag and config-file keys.
const (
	KeyLogDir          = "logdir"
	KeyCheckNum        = "checknum"
	KeyCheckInterval   = "checkintv"
	KeyBeginKill       = "beginkill-threshold"
	KeyStopKill        = "stopkill-threshold"
	KeyMonitorInterval = "monitor-interval"
	KeyKillTimeout     = "kill-timeout"
	KeySampleInterval  = "sample-interval"
	KeyMetric          = "metric"
	KeyProtect         = "protect"
	KeyEscalate        = "escalate"
	KeyReport          = "report"
	KeyMetricsAddr     = "metrics-addr"

	KeyNodes        = "nodes"
	KeyInventory    = "inventory"
	KeySSHUser      = "ssh-user"
	KeySSHOption    = "ssh-option"
	KeyRemoteBinary = "remote-binary"

	KeyInterval   = "interval"
	KeyTop        = "top"
	KeyUser       = "user"
	KeyShowKernel = "show-kernel"
	KeySave       = "save"
	KeyWatch      = "watch"
)

// DefaultRemoteBinary is the command run on each node.
const DefaultRemoteBinary = "svadmin"

// WatchdogFlags registers the watchdog flags with the defaults of kind.
func WatchdogFlags(fs *pflag.FlagSet, kind Kind) {
	def := Defaults(kind)
	fs.String(KeyLogDir, "", "root directory for per-host kill logs (required)")
	fs.Int(KeyCheckNum, def.CheckNum, "readings averaged by each overload check")
	fs.Var(NewSeconds(new(time.Duration), def.CheckInterval), KeyCheckInterval, "spacing of overload readings (seconds or duration)")
	fs.Float64(KeyBeginKill, def.BeginKill, "start killing when load reaches this multiple of capacity")
	fs.Float64(KeyStopKill, def.StopKill, "stop killing once load falls below this multiple of capacity")
	fs.Var(NewSeconds(new(time.Duration), def.MonitorInterval), KeyMonitorInterval, "sleep between ticks (seconds or duration)")
	fs.Var(NewSeconds(new(time.Duration), def.KillTimeout), KeyKillTimeout, "grace period between SIGTERM and SIGKILL (seconds or duration)")
	if kind == KindCPU {
		fs.Var(NewSeconds(new(time.Duration), def.SampleInterval), KeySampleInterval, "window for per-process cpu rates (seconds or duration)")
	} else {
		fs.String(KeyMetric, def.Metric.String(), "memory metric used to rank users: pss or rss")
	}
	fs.StringSlice(KeyProtect, def.Protected, "accounts that are never killed")
	fs.Bool(KeyEscalate, false, "move on to the next user when one user's processes are exhausted")
	fs.String(KeyReport, def.Report, "status output per tick: text or json")
	fs.String(KeyMetricsAddr, "", "serve Prometheus metrics on this address")
}

// FleetFlags registers the node selection and transport flags.
func FleetFlags(fs *pflag.FlagSet) {
	fs.StringSlice(KeyNodes, nil, "comma-separated node names")
	fs.String(KeyInventory, "", "YAML inventory file listing nodes")
	fs.String(KeySSHUser, "", "remote login user")
	fs.StringArray(KeySSHOption, nil, "extra ssh -o option, repeatable")
	fs.String(KeyRemoteBinary, DefaultRemoteBinary, "svadmin executable on the nodes")
}

// SnapshotFlags registers the snapshot flags.
func SnapshotFlags(fs *pflag.FlagSet) {
	def := DefaultSnapshot()
	fs.Var(NewSeconds(new(time.Duration), def.Interval), KeyInterval, "window for per-process rates (seconds or duration)")
	fs.Int(KeyTop, def.TopN, "processes listed per metric")
	fs.String(KeyUser, "", "only show this user's processes")
	fs.Bool(KeyShowKernel, false, "include kernel threads")
	fs.String(KeySave, "", "write every process row as TSV to this new file")
	fs.Var(NewSeconds(new(time.Duration), 0), KeyWatch, "redraw every interval in the alternate screen")
	fs.String(KeyReport, def.Report, "output format: text or json")
}

// NewViper binds fs, SVADMIN_* environment variables and an optional config
// file. Flags set on the command line take precedence.
func NewViper(fs *pflag.FlagSet, file string) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalid, file, err)
		}
	}
	return v, nil
}

// WatchdogFromViper assembles and validates a Watchdog.
func WatchdogFromViper(v *viper.Viper, kind Kind) (Watchdog, error) {
	w := Defaults(kind)
	w.LogDir = v.GetString(KeyLogDir)
	w.CheckNum = v.GetInt(KeyCheckNum)
	w.BeginKill = v.GetFloat64(KeyBeginKill)
	w.StopKill = v.GetFloat64(KeyStopKill)
	w.Protected = list(v.GetStringSlice(KeyProtect))
	w.Escalate = v.GetBool(KeyEscalate)
	w.Report = v.GetString(KeyReport)
	w.MetricsAddr = v.GetString(KeyMetricsAddr)

	var err error
	if w.CheckInterval, err = seconds(v, KeyCheckInterval, w.CheckInterval); err != nil {
		return w, err
	}
	if w.MonitorInterval, err = seconds(v, KeyMonitorInterval, w.MonitorInterval); err != nil {
		return w, err
	}
	if w.KillTimeout, err = seconds(v, KeyKillTimeout, w.KillTimeout); err != nil {
		return w, err
	}
	if kind == KindCPU {
		if w.SampleInterval, err = seconds(v, KeySampleInterval, w.SampleInterval); err != nil {
			return w, err
		}
	} else if s := v.GetString(KeyMetric); s != "" {
		if w.Metric, err = types.ParseMetric(s); err != nil {
			return w, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return w, w.Validate()
}

// FleetFromViper assembles and validates a Fleet around an already validated Watchdog.
func FleetFromViper(v *viper.Viper, w Watchdog) (Fleet, error) {
	f := Fleet{
		SSHUser:      v.GetString(KeySSHUser),
		SSHOptions:   v.GetStringSlice(KeySSHOption),
		RemoteBinary: v.GetString(KeyRemoteBinary),
		Watchdog:     w,
	}
	nodes, err := nodesFromViper(v)
	if err != nil {
		return f, err
	}
	f.Nodes = nodes
	return f, f.Validate()
}

// SnapshotFromViper assembles and validates a Snapshot.
func SnapshotFromViper(v *viper.Viper) (Snapshot, error) {
	s := DefaultSnapshot()
	s.TopN = v.GetInt(KeyTop)
	s.User = v.GetString(KeyUser)
	s.ShowKernel = v.GetBool(KeyShowKernel)
	s.Save = v.GetString(KeySave)
	s.Report = v.GetString(KeyReport)
	var err error
	if s.Interval, err = seconds(v, KeyInterval, s.Interval); err != nil {
		return s, err
	}
	if s.Watch, err = seconds(v, KeyWatch, 0); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func nodesFromViper(v *viper.Viper) ([]Node, error) {
	var nodes []Node
	if path := v.GetString(KeyInventory); path != "" {
		inv, err := LoadInventory(path)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, inv...)
	}
	for _, name := range list(v.GetStringSlice(KeyNodes)) {
		nodes = append(nodes, Node{Name: name})
	}
	return nodes, nil
}

// seconds reads key as bare seconds or a duration string; unset keeps def.
func seconds(v *viper.Viper, key string, def time.Duration) (time.Duration, error) {
	s := v.GetString(key)
	if s == "" {
		return def, nil
	}
	d, err := ParseSeconds(s)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", key, err)
	}
	return d, nil
}

// list splits comma-separated entries, which environment variables produce, and drops blanks.
func list(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
