package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p69180/svadmin/pkg/types"
)

func TestParseSeconds(t *testing.T) {
	cases := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"3", 3 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"3s", 3 * time.Second, false},
		{"1m", time.Minute, false},
		{"200ms", 200 * time.Millisecond, false},
		{"", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseSeconds(tc.input)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
	assert.Equal(t, "0.2", FormatSeconds(200*time.Millisecond))
	assert.Equal(t, "60", FormatSeconds(time.Minute))
}

func TestDefaultsPerKind(t *testing.T) {
	cpu := Defaults(KindCPU)
	assert.Equal(t, 2.0, cpu.BeginKill)
	assert.Equal(t, 1.0, cpu.StopKill)
	assert.Equal(t, types.MetricCPU, cpu.Metric)

	mem := Defaults(KindMemory)
	assert.Equal(t, 0.9, mem.BeginKill)
	assert.Equal(t, 0.8, mem.StopKill)
	assert.Equal(t, types.MetricPSS, mem.Metric)
	assert.Equal(t, []string{"root"}, mem.Protected)
	assert.Equal(t, 3, mem.CheckNum)
	assert.Equal(t, 60*time.Second, mem.MonitorInterval)
	assert.Equal(t, 5*time.Second, mem.KillTimeout)
}

func TestWatchdogValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(w *Watchdog)
		ok     bool
	}{
		{"defaults", func(*Watchdog) {}, true},
		{"equalThresholds", func(w *Watchdog) { w.BeginKill, w.StopKill = 1, 1 }, true},
		{"invertedThresholds", func(w *Watchdog) { w.BeginKill, w.StopKill = 1, 2 }, false},
		{"zeroThreshold", func(w *Watchdog) { w.StopKill = 0 }, false},
		{"noLogDir", func(w *Watchdog) { w.LogDir = "" }, false},
		{"zeroCheckNum", func(w *Watchdog) { w.CheckNum = 0 }, false},
		{"zeroKillTimeout", func(w *Watchdog) { w.KillTimeout = 0 }, false},
		{"negativeMonitor", func(w *Watchdog) { w.MonitorInterval = -time.Second }, false},
		{"memoryMetricOnCPU", func(w *Watchdog) { w.Metric = types.MetricRSS }, false},
		{"badReport", func(w *Watchdog) { w.Report = "xml" }, false},
		{"badKind", func(w *Watchdog) { w.Kind = "disk" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := Defaults(KindCPU)
			w.LogDir = "/var/log/svadmin"
			tc.mutate(&w)
			err := w.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestWatchdogFromFlags(t *testing.T) {
	fs := pflag.NewFlagSet("cpu", pflag.ContinueOnError)
	WatchdogFlags(fs, KindCPU)
	require.NoError(t, fs.Parse([]string{
		"--logdir", "/tmp/kills",
		"--checkintv", "2",
		"--beginkill-threshold", "3",
		"--protect", "root,backup",
	}))
	t.Setenv("SVADMIN_KILL_TIMEOUT", "7")
	t.Setenv("SVADMIN_CHECKNUM", "5")

	v, err := NewViper(fs, "")
	require.NoError(t, err)
	w, err := WatchdogFromViper(v, KindCPU)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/kills", w.LogDir)
	assert.Equal(t, 2*time.Second, w.CheckInterval)
	assert.Equal(t, 3.0, w.BeginKill)
	assert.Equal(t, 1.0, w.StopKill)
	assert.Equal(t, 7*time.Second, w.KillTimeout)
	assert.Equal(t, 5, w.CheckNum)
	assert.Equal(t, 60*time.Second, w.MonitorInterval)
	assert.Equal(t, 200*time.Millisecond, w.SampleInterval)
	assert.Equal(t, []string{"root", "backup"}, w.Protected)
}

func TestWatchdogFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "svadmin.yaml")
	require.NoError(t, os.WriteFile(file, []byte("logdir: /srv/kills\nmetric: rss\nmonitor-interval: 30\n"), 0o644))

	fs := pflag.NewFlagSet("memory", pflag.ContinueOnError)
	WatchdogFlags(fs, KindMemory)
	require.NoError(t, fs.Parse(nil))
	v, err := NewViper(fs, file)
	require.NoError(t, err)

	w, err := WatchdogFromViper(v, KindMemory)
	require.NoError(t, err)
	assert.Equal(t, "/srv/kills", w.LogDir)
	assert.Equal(t, types.MetricRSS, w.Metric)
	assert.Equal(t, 30*time.Second, w.MonitorInterval)
	assert.Equal(t, 0.9, w.BeginKill)
}

func TestWatchdogRejectsUnknownMetric(t *testing.T) {
	fs := pflag.NewFlagSet("memory", pflag.ContinueOnError)
	WatchdogFlags(fs, KindMemory)
	require.NoError(t, fs.Parse([]string{"--logdir", "/tmp", "--metric", "vss"}))
	v, err := NewViper(fs, "")
	require.NoError(t, err)

	_, err = WatchdogFromViper(v, KindMemory)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestWatchdogArgs(t *testing.T) {
	w := Defaults(KindMemory)
	w.LogDir = "/shared/kills"
	w.Escalate = true
	assert.Equal(t, []string{
		"watchdog", "memory",
		"--logdir", "/shared/kills",
		"--checknum", "3",
		"--checkintv", "3",
		"--beginkill-threshold", "0.9",
		"--stopkill-threshold", "0.8",
		"--monitor-interval", "60",
		"--kill-timeout", "5",
		"--report", "json",
		"--metric", "pss",
		"--protect", "root",
		"--escalate",
	}, w.Args())

	// The rendered arguments parse back to the same settings.
	fs := pflag.NewFlagSet("memory", pflag.ContinueOnError)
	WatchdogFlags(fs, KindMemory)
	require.NoError(t, fs.Parse(w.Args()[2:]))
	v, err := NewViper(fs, "")
	require.NoError(t, err)
	back, err := WatchdogFromViper(v, KindMemory)
	require.NoError(t, err)
	w.Report = ReportJSON
	assert.Equal(t, w, back)
}

func TestLoadInventory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - name: bnode1\n  - name: bnode2\n    disabled: true\n  - name: bnode3\n"), 0o644))

	nodes, err := LoadInventory(path)
	require.NoError(t, err)
	assert.Equal(t, []Node{{Name: "bnode1"}, {Name: "bnode2", Disabled: true}, {Name: "bnode3"}}, nodes)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nodes:\n  - disabled: true\n"), 0o644))
	_, err = LoadInventory(bad)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = LoadInventory(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFleetFromFlags(t *testing.T) {
	dir := t.TempDir()
	inv := filepath.Join(dir, "nodes.yaml")
	require.NoError(t, os.WriteFile(inv, []byte("nodes:\n  - name: a\n  - name: b\n    disabled: true\n"), 0o644))

	fs := pflag.NewFlagSet("fleet", pflag.ContinueOnError)
	FleetFlags(fs)
	require.NoError(t, fs.Parse([]string{"--inventory", inv, "--nodes", "c,a", "--ssh-option", "ConnectTimeout=5"}))
	v, err := NewViper(fs, "")
	require.NoError(t, err)

	f, err := FleetFromViper(v, Defaults(KindCPU))
	require.NoError(t, err)
	assert.Equal(t, []Node{{Name: "a"}, {Name: "c"}}, f.Enabled())
	assert.Equal(t, []string{"ConnectTimeout=5"}, f.SSHOptions)
	assert.Equal(t, DefaultRemoteBinary, f.RemoteBinary)

	empty := Fleet{RemoteBinary: "svadmin", Nodes: []Node{{Name: "x", Disabled: true}}}
	assert.ErrorIs(t, empty.Validate(), ErrInvalid)
}

func TestSnapshotValidate(t *testing.T) {
	s := DefaultSnapshot()
	require.NoError(t, s.Validate())

	s.Watch = time.Second
	s.Save = "/tmp/out.tsv"
	assert.ErrorIs(t, s.Validate(), ErrInvalid)

	s = DefaultSnapshot()
	s.Interval = 0
	assert.ErrorIs(t, s.Validate(), ErrInvalid)
}
