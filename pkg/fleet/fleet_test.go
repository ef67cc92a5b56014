package fleet

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/p69180/svadmin/pkg/config"
	"github.com/p69180/svadmin/pkg/types"
)

type fakeRunner struct {
	mu     sync.Mutex
	output map[string]string
	fail   map[string]error
	argv   map[string][]string
}

func (f *fakeRunner) Run(_ context.Context, node string, argv []string, stdout io.Writer) error {
	f.mu.Lock()
	if f.argv == nil {
		f.argv = make(map[string][]string)
	}
	f.argv[node] = argv
	f.mu.Unlock()
	if err := f.fail[node]; err != nil {
		return err
	}
	_, err := io.WriteString(stdout, f.output[node])
	return err
}

func testFleet(nodes ...string) config.Fleet {
	w := config.Defaults(config.KindCPU)
	w.LogDir = "/shared/kills"
	f := config.Fleet{RemoteBinary: "/opt/bin/svadmin", Watchdog: w}
	for _, n := range nodes {
		f.Nodes = append(f.Nodes, config.Node{Name: n})
	}
	return f
}

func TestWatchIsolatesFailedNodes(t *testing.T) {
	runner := &fakeRunner{
		output: map[string]string{
			"a": `{"host":"a","watchdog":"cpu","state":"below-threshold","load":3,"threshold":8}` + "\n" +
				`{"host":"a","watchdog":"cpu","state":"overloaded","load":9,"threshold":8,"kills":[{"pid":11,"user":"alice","command":"py","value":40,"outcome":"terminated"}]}` + "\n",
			"c": "not json\n" + `{"host":"c","watchdog":"cpu","state":"below-threshold"}` + "\n",
		},
		fail: map[string]error{"b": errors.New("ssh: connect to host b port 22: No route to host")},
	}
	o := NewOrchestrator(testFleet("a", "b", "c"), runner, zaptest.NewLogger(t))
	var mu sync.Mutex
	seen := map[string]int{}
	o.OnStatus = func(node string, _ types.Status) {
		mu.Lock()
		seen[node]++
		mu.Unlock()
	}

	results := o.Watch(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Node)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Statuses)
	assert.Equal(t, 1, results[0].Kills)
	assert.Equal(t, types.StateOverloaded, results[0].Last.State)

	assert.Error(t, results[1].Err)
	assert.Equal(t, 0, results[1].Statuses)

	assert.NoError(t, results[2].Err)
	assert.Equal(t, 1, results[2].Statuses)

	assert.Equal(t, map[string]int{"a": 2, "c": 1}, seen)
	require.Len(t, Failed(results), 1)
	assert.Equal(t, "b", Failed(results)[0].Node)

	argv := runner.argv["a"]
	assert.Equal(t, []string{"/opt/bin/svadmin", "watchdog", "cpu", "--logdir", "/shared/kills"}, argv[:5])
	assert.Contains(t, strings.Join(argv, " "), "--report json")
}

func TestWatchSkipsDisabledNodes(t *testing.T) {
	f := testFleet("a")
	f.Nodes = append(f.Nodes, config.Node{Name: "b", Disabled: true})
	runner := &fakeRunner{}
	results := NewOrchestrator(f, runner, zaptest.NewLogger(t)).Watch(context.Background())
	require.Len(t, results, 1)
	assert.NotContains(t, runner.argv, "b")
}

func TestSnapshotMergesAnsweringNodes(t *testing.T) {
	runner := &fakeRunner{
		output: map[string]string{
			"a": `{"host":"a","users":[{"user":"alice","total":10,"procs":2}]}` + "\n",
			"b": "garbage",
			"c": `{"users":[{"user":"bob","total":5,"procs":1}]}` + "\n",
		},
	}
	o := NewOrchestrator(testFleet("a", "b", "c"), runner, zaptest.NewLogger(t))
	snaps, results := o.Snapshot(context.Background(), []string{"--top", "3"})

	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Host)
	assert.Equal(t, "c", snaps[1].Host)
	assert.Error(t, results[1].Err)
	assert.Equal(t, []string{"/opt/bin/svadmin", "snapshot", "--report", "json", "--top", "3"}, runner.argv["a"])
}

func TestSSHArgs(t *testing.T) {
	r := NewSSHRunner("admin", []string{"ConnectTimeout=5"}, nil)
	args := r.Args("bnode1", []string{"svadmin", "watchdog", "cpu", "--logdir", "/shared/kill logs", "--protect", "o'brien"})
	assert.Equal(t, []string{
		"-o", "BatchMode=yes", "-o", "ConnectTimeout=5", "admin@bnode1", "--",
		`svadmin watchdog cpu --logdir '/shared/kill logs' --protect 'o'"'"'brien'`,
	}, args)

	assert.Equal(t, "bnode1", NewSSHRunner("", nil, nil).Args("bnode1", []string{"true"})[2])
}

func TestSSHRunnerReportsStderr(t *testing.T) {
	r := NewSSHRunner("", nil, zaptest.NewLogger(t))
	r.command = func(ctx context.Context, _ string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo warning >&2; echo 'ssh: Could not resolve hostname' >&2; exit 255")
	}
	err := r.Run(context.Background(), "nowhere", []string{"true"}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not resolve hostname")
	assert.NotContains(t, err.Error(), "warning")
}

func TestSSHRunnerRelaysStderrAndKeepsBoundedTail(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := NewSSHRunner("", nil, zap.New(core))
	r.command = func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		script := `i=0; while [ $i -lt 2000 ]; do echo "checking load tick=$i" >&2; i=$((i+1)); done; echo 'watchdog: giving up' >&2; exit 3`
		return exec.CommandContext(ctx, "sh", "-c", script)
	}

	err := r.Run(context.Background(), "bnode2", []string{"svadmin"}, io.Discard)
	require.Error(t, err)
	assert.True(t, strings.HasSuffix(err.Error(), ": watchdog: giving up"), err.Error())

	entries := logs.All()
	require.Len(t, entries, 2001)
	assert.Equal(t, "checking load tick=0", entries[0].Message)
	assert.Equal(t, "watchdog: giving up", entries[2000].Message)
	assert.Equal(t, "bnode2", entries[0].ContextMap()["node"])
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tail := &tailBuffer{max: 16}
	for i := 0; i < 1000; i++ {
		_, err := tail.Write([]byte("0123456789\n"))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(tail.buf), 16)
	}
	_, _ = tail.Write([]byte("last line\n"))
	assert.Len(t, tail.buf, 16)
	assert.Equal(t, "last line", lastLine(strings.TrimSpace(tail.String())))
}
