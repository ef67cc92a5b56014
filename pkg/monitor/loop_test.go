package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/p69180/svadmin/pkg/enforce"
	"github.com/p69180/svadmin/pkg/killlog"
	"github.com/p69180/svadmin/pkg/types"
)

type fakeGate struct {
	over  []bool
	err   error
	calls int
}

func (g *fakeGate) IsOverloaded(context.Context) (bool, types.LoadReading, error) {
	i := min(g.calls, len(g.over)-1)
	g.calls++
	if g.err != nil {
		return false, types.LoadReading{}, g.err
	}
	if g.over[i] {
		return true, types.LoadReading{Load: 9, Threshold: 8}, nil
	}
	return false, types.LoadReading{Load: 3, Threshold: 8}, nil
}

type fakeEnforcer struct {
	episode enforce.Episode
	err     error
	runs    int
}

func (e *fakeEnforcer) Run(context.Context) (enforce.Episode, error) {
	e.runs++
	return e.episode, e.err
}

type fakeRecorder struct {
	states   []types.State
	episodes int
	stop     float64
}

func (r *fakeRecorder) Tick(s types.State, _ types.LoadReading) { r.states = append(r.states, s) }
func (r *fakeRecorder) StopThreshold(v float64)                   { r.stop = v }
func (r *fakeRecorder) Episode(map[types.Outcome]int, time.Duration) {
	r.episodes++
}

func testEpisode() enforce.Episode {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return enforce.Episode{
		ID:     "ep-1",
		Metric: types.MetricCPU,
		Records: []types.KillRecord{{
			Episode: "ep-1", Host: "node01", PID: 11, User: "alice", Command: "python",
			Metric: types.MetricCPU, Value: 40, Outcome: types.OutcomeTerminated, Time: at,
		}},
		Outcomes: map[types.Outcome]int{types.OutcomeTerminated: 1},
		Final:    types.LoadReading{Load: 3, Threshold: 4},
		Relieved: true,
		Started:  at,
		Finished: at.Add(2 * time.Second),
	}
}

func newTestLoop(t *testing.T, gate OverloadCheck, enf Episoder, status *bytes.Buffer, rec Recorder) (*Loop, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := killlog.New(dir, "node01")
	require.NoError(t, err)
	opts := Options{Host: "node01", Watchdog: "cpu", Metric: types.MetricCPU, Interval: time.Minute, Recorder: rec}
	if status != nil {
		opts.Status = status
	}
	return New(opts, gate, enf, w, zaptest.NewLogger(t)), dir
}

func TestTickBelowThreshold(t *testing.T) {
	var status bytes.Buffer
	rec := &fakeRecorder{}
	enf := &fakeEnforcer{}
	loop, _ := newTestLoop(t, &fakeGate{over: []bool{false}}, enf, &status, rec)

	st := loop.Tick(context.Background())
	assert.Equal(t, types.StateBelowThreshold, st.State)
	assert.Equal(t, 0, enf.runs)
	assert.Equal(t, []types.State{types.StateBelowThreshold}, rec.states)

	var decoded types.Status
	require.NoError(t, json.Unmarshal(status.Bytes(), &decoded))
	assert.Equal(t, "node01", decoded.Host)
	assert.Equal(t, types.StateBelowThreshold, decoded.State)
	assert.Equal(t, 3.0, decoded.Load)
}

func TestTickOverloadedWritesKillLog(t *testing.T) {
	rec := &fakeRecorder{}
	enf := &fakeEnforcer{episode: testEpisode()}
	loop, dir := newTestLoop(t, &fakeGate{over: []bool{true}}, enf, nil, rec)

	st := loop.Tick(context.Background())
	assert.Equal(t, types.StateOverloaded, st.State)
	assert.Equal(t, 1, enf.runs)
	require.Len(t, st.Kills, 1)
	assert.Equal(t, int32(11), st.Kills[0].PID)
	assert.Equal(t, 1, rec.episodes)
	assert.Equal(t, 4.0, rec.stop)

	require.NotEmpty(t, st.LogFile)
	assert.True(t, strings.HasPrefix(st.LogFile, dir))
	data, err := os.ReadFile(st.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\t11\talice\tpython\tcpu\t40.0\tterminated\t")
}

func TestTickNoCandidatesSkipsLog(t *testing.T) {
	enf := &fakeEnforcer{err: enforce.ErrNoCandidates}
	loop, dir := newTestLoop(t, &fakeGate{over: []bool{true}}, enf, nil, nil)

	st := loop.Tick(context.Background())
	assert.Equal(t, types.StateOverloaded, st.State)
	assert.Empty(t, st.LogFile)
	assert.Empty(t, st.Error)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTickPartialEpisodeStillLogged(t *testing.T) {
	ep := testEpisode()
	enf := &fakeEnforcer{episode: ep, err: errors.New("re-checking load: boom")}
	loop, _ := newTestLoop(t, &fakeGate{over: []bool{true}}, enf, nil, nil)

	st := loop.Tick(context.Background())
	assert.NotEmpty(t, st.LogFile)
	assert.Contains(t, st.Error, "boom")
}

func TestTickGateError(t *testing.T) {
	rec := &fakeRecorder{}
	enf := &fakeEnforcer{}
	loop, _ := newTestLoop(t, &fakeGate{over: []bool{true}, err: errors.New("no /proc")}, enf, nil, rec)

	st := loop.Tick(context.Background())
	assert.Equal(t, types.StateError, st.State)
	assert.Equal(t, "no /proc", st.Error)
	assert.Equal(t, 0, enf.runs)
	assert.Equal(t, []types.State{types.StateError}, rec.states)
}

func TestRunContinuesAfterErrorsUntilCancelled(t *testing.T) {
	var status bytes.Buffer
	gate := &fakeGate{over: []bool{false}, err: errors.New("transient")}
	loop, _ := newTestLoop(t, gate, &fakeEnforcer{}, &status, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var slept []time.Duration
	loop.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) == 3 {
			cancel()
		}
		return ctx.Err()
	}

	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, 3, gate.calls)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute}, slept)
	assert.Equal(t, 3, strings.Count(status.String(), "\n"))
}

func TestHostname(t *testing.T) {
	t.Cleanup(func() { hostInfo = host.InfoWithContext })

	hostInfo = func(context.Context) (*host.InfoStat, error) { return &host.InfoStat{Hostname: "bnode7"}, nil }
	name, err := Hostname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bnode7", name)

	hostInfo = func(context.Context) (*host.InfoStat, error) { return nil, errors.New("unsupported") }
	want, _ := os.Hostname()
	name, err = Hostname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, name)
}
