// Package fleet launches svadmin on every configured node and gathers the
// structured status each instance prints.
package fleet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/p69180/svadmin/pkg/config"
	"github.com/p69180/svadmin/pkg/report"
	"github.com/p69180/svadmin/pkg/types"
)

// Result summarises one node's run. Err is set when the launch or the remote
// command failed; such a node contributes nothing else.
type Result struct {
	Node     string
	Err      error
	Statuses int
	Kills    int
	Last     *types.Status
}

// Orchestrator fans a command out to the enabled nodes of a Fleet.
type Orchestrator struct {
	fleet  config.Fleet
	runner Runner
	logger *zap.Logger
	// OnStatus, when set, is called for each decoded status line. Calls are serialised.
	OnStatus func(node string, st types.Status)
}

// NewOrchestrator returns an Orchestrator; a nil runner means ssh.
func NewOrchestrator(f config.Fleet, runner Runner, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runner == nil {
		runner = NewSSHRunner(f.SSHUser, f.SSHOptions, logger)
	}
	return &Orchestrator{fleet: f, runner: runner, logger: logger}
}

// Watch starts the watchdog on every node and returns once all of them have
// exited, which for healthy nodes means ctx was cancelled.
func (o *Orchestrator) Watch(ctx context.Context) []Result {
	argv := append([]string{o.fleet.RemoteBinary}, o.fleet.Watchdog.Args()...)
	var mu sync.Mutex
	return o.each(ctx, func(ctx context.Context, node string, res *Result) error {
		pr, pw := io.Pipe()
		runErr := make(chan error, 1)
		go func() {
			err := o.runner.Run(ctx, node, argv, pw)
			pw.CloseWithError(err)
			runErr <- err
		}()

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var st types.Status
			if err := json.Unmarshal(scanner.Bytes(), &st); err != nil {
				o.logger.Warn("undecodable status line", zap.String("node", node), zap.Error(err))
				continue
			}
			res.Statuses++
			res.Kills += len(st.Kills)
			res.Last = &st
			o.logStatus(node, st)
			if o.OnStatus != nil {
				mu.Lock()
				o.OnStatus(node, st)
				mu.Unlock()
			}
		}
		// Drain so the remote side never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
		return <-runErr
	})
}

// Snapshot runs `snapshot --report json` on every node and returns the
// decoded reports of the nodes that answered, in node order.
func (o *Orchestrator) Snapshot(ctx context.Context, args []string) ([]report.Snapshot, []Result) {
	argv := append([]string{o.fleet.RemoteBinary, "snapshot", "--report", config.ReportJSON}, args...)
	nodes := o.fleet.Enabled()
	snaps := make([]*report.Snapshot, len(nodes))
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.Name] = i
	}

	results := o.each(ctx, func(ctx context.Context, node string, res *Result) error {
		pr, pw := io.Pipe()
		go func() { pw.CloseWithError(o.runner.Run(ctx, node, argv, pw)) }()
		var s report.Snapshot
		err := json.NewDecoder(pr).Decode(&s)
		_, _ = io.Copy(io.Discard, pr)
		if err != nil {
			return fmt.Errorf("decoding snapshot: %w", err)
		}
		if s.Host == "" {
			s.Host = node
		}
		res.Statuses = 1
		snaps[index[node]] = &s
		return nil
	})

	var out []report.Snapshot
	for _, s := range snaps {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, results
}

// each runs fn once per enabled node concurrently. A failing node is logged
// and recorded in its Result; it never stops the others.
func (o *Orchestrator) each(ctx context.Context, fn func(ctx context.Context, node string, res *Result) error) []Result {
	nodes := o.fleet.Enabled()
	results := make([]Result, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		results[i].Node = n.Name
		wg.Add(1)
		go func(res *Result) {
			defer wg.Done()
			log := o.logger.With(zap.String("node", res.Node))
			log.Info("launching")
			if err := fn(ctx, res.Node, res); err != nil {
				if ctx.Err() != nil {
					log.Info("node stopped")
					return
				}
				res.Err = err
				log.Error("node excluded", zap.Error(err))
				return
			}
			log.Info("node finished", zap.Int("statuses", res.Statuses), zap.Int("kills", res.Kills))
		}(&results[i])
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) logStatus(node string, st types.Status) {
	fields := []zap.Field{
		zap.String("node", node),
		zap.String("state", string(st.State)),
		zap.Float64("load", st.Load),
		zap.Float64("threshold", st.Threshold),
	}
	if st.Error != "" {
		o.logger.Warn("node status", append(fields, zap.String("error", st.Error))...)
		return
	}
	o.logger.Info("node status", append(fields, zap.Int("kills", len(st.Kills)))...)
	for _, k := range st.Kills {
		o.logger.Info("node killed process",
			zap.String("node", node), zap.Int32("pid", k.PID), zap.String("user", k.User),
			zap.String("cmd", k.Command), zap.String("outcome", string(k.Outcome)))
	}
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
