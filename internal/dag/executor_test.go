package dag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipeweave/internal/core"
	"pipeweave/internal/freshness"
)

// countingRunner wraps the real invoker and counts task executions.
type countingRunner struct {
	inner *core.Invoker

	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRunner) RunTask(ctx context.Context, task *core.Task, args core.Args) (*core.TaskOutput, error) {
	r.mu.Lock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[task.Name]++
	r.mu.Unlock()
	return r.inner.RunTask(ctx, task, args)
}

type workspace struct {
	dir    string
	graph  *Graph
	runner *countingRunner
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	return &workspace{
		dir:    dir,
		graph:  NewGraph(),
		runner: &countingRunner{inner: core.NewInvoker(dir, zap.NewNop())},
	}
}

func (w *workspace) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(w.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (w *workspace) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(w.dir, rel))
	require.NoError(t, err)
	return string(data)
}

// run behaves like a separate invocation: the ledger is reopened from disk.
func (w *workspace) run(t *testing.T, jobs int, targets ...string) *Report {
	t.Helper()
	report, err := w.runCtx(t, context.Background(), jobs, targets...)
	require.NoError(t, err)
	return report
}

func (w *workspace) runCtx(t *testing.T, ctx context.Context, jobs int, targets ...string) (*Report, error) {
	t.Helper()
	require.NoError(t, w.graph.Freeze())
	ledger, err := freshness.Open(freshness.NewJSONBackend(freshness.DefaultPath(w.dir, freshness.BackendJSON)), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	oracle := freshness.NewOracle(core.NewArtifactStore(w.dir), ledger, w.graph, freshness.CheckerContent, zap.NewNop())

	w.runner.mu.Lock()
	w.runner.counts = nil
	w.runner.mu.Unlock()

	exec, err := NewExecutor(w.graph, oracle, w.runner, Options{Jobs: jobs})
	require.NoError(t, err)
	return exec.Run(ctx, targets)
}

func sh(script string) core.Action {
	return core.Command("sh", "-c", script)
}

// racerPipeline registers a small version of the racer pipeline for ids.
func (w *workspace) racerPipeline(t *testing.T, ids ...string) {
	t.Helper()
	w.write(t, "data.csv", "name\nA\nB\n")
	_, err := w.graph.ExpandFamily(FamilyTemplate{Roles: []Role{
		{Basename: "extract", Task: core.Task{
			FileDeps: []string{"data.csv"},
			Targets:  []string{"raw-{id}.txt"},
			Actions:  []core.Action{sh("test ! -e fail-{id} && echo {id} > raw-{id}.txt")},
			Clean:    true,
		}},
		{Basename: "clean", Task: core.Task{
			FileDeps: []string{"raw-{id}.txt"},
			Targets:  []string{"clean-{id}.txt"},
			Actions: []core.Action{
				sh("tr A-Z a-z < raw-{id}.txt > clean-{id}.txt"),
				core.Call("report", func(_ context.Context, in core.CallInput) (core.Values, error) {
					return core.Values{"clean_data": "clean-" + in.Task.Entity + ".txt"}, nil
				}),
			},
			Clean: true,
		}},
	}}, ids)
	require.NoError(t, err)

	cleanFiles := make([]string, 0, len(ids))
	for _, id := range ids {
		cleanFiles = append(cleanFiles, "clean-"+id+".txt")
	}
	require.NoError(t, w.graph.Register(core.Task{
		Name:       "merge",
		FileDeps:   cleanFiles,
		Targets:    []string{"merged.txt"},
		Getargs:    map[string]core.Binding{"racer_values": {Task: "clean", Key: "clean_data"}},
		Actions:    []core.Action{core.Command("sh", "-c", `cat "$@" > merged.txt`, "merge", "{racer_values}")},
		StrictHash: true,
		Clean:      true,
	}))
	for _, kind := range []string{"lap", "split"} {
		require.NoError(t, w.graph.Register(core.Task{
			Name:     "plot-" + kind + "-merged",
			FileDeps: []string{"merged.txt"},
			Targets:  []string{kind + "-remerged.png"},
			Actions:  []core.Action{sh("cp merged.txt " + kind + "-remerged.png")},
			Clean:    true,
		}))
	}
}

var mergedPlots = []string{"plot-lap-merged", "plot-split-merged"}

func TestExecutor_FullRunThenMemoised(t *testing.T) {
	w := newWorkspace(t)
	w.racerPipeline(t, "B", "A")

	first := w.run(t, 4, mergedPlots...)
	require.True(t, first.OK(), "errors: %v", first.Err())
	assert.ElementsMatch(t, []string{
		"extract:B", "clean:B", "extract:A", "clean:A", "merge", "plot-lap-merged", "plot-split-merged",
	}, first.ExecutionOrder)
	assert.Equal(t, TaskDone, first.State("clean"), "group settles DONE when a member ran")

	// Members are bound in entity order regardless of discovery order.
	assert.Equal(t, "a\nb\n", w.read(t, "merged.txt"))
	assert.Equal(t, core.Values{"clean_data": "clean-A.txt"}, first.Tasks["clean:A"].Values)

	second := w.run(t, 4, mergedPlots...)
	require.True(t, second.OK())
	assert.Empty(t, second.ExecutionOrder)
	assert.Empty(t, w.runner.counts)
	for _, n := range second.Order {
		assert.Equal(t, TaskSkipped, second.State(n), n)
	}
}

func TestExecutor_DeletedCleanOutputRerunsOnlyItsChain(t *testing.T) {
	w := newWorkspace(t)
	w.racerPipeline(t, "A", "B")
	require.True(t, w.run(t, 2, mergedPlots...).OK())

	require.NoError(t, os.Remove(filepath.Join(w.dir, "clean-A.txt")))
	report := w.run(t, 2, mergedPlots...)
	require.True(t, report.OK(), "errors: %v", report.Err())

	assert.ElementsMatch(t, []string{"clean:A", "merge", "plot-lap-merged", "plot-split-merged"}, report.ExecutionOrder)
	for _, n := range []string{"extract:A", "extract:B", "clean:B"} {
		assert.Equal(t, TaskSkipped, report.State(n), n)
	}
	assert.Equal(t, "target clean-A.txt missing", report.Tasks["clean:A"].Reason)
	assert.Equal(t, "upstream clean:A re-executed", report.Tasks["merge"].Reason)
}

func TestExecutor_FailureBlocksDependentsOnly(t *testing.T) {
	w := newWorkspace(t)
	w.racerPipeline(t, "A", "B")
	w.write(t, "fail-B", "")

	report := w.run(t, 2, append([]string{"clean:A"}, mergedPlots...)...)
	assert.False(t, report.OK())

	assert.Equal(t, TaskDone, report.State("extract:A"))
	assert.Equal(t, TaskDone, report.State("clean:A"))
	assert.Equal(t, TaskFailed, report.State("extract:B"))
	for _, n := range []string{"clean:B", "clean", "merge", "plot-lap-merged", "plot-split-merged"} {
		assert.Equal(t, TaskBlocked, report.State(n), n)
	}
	assert.Equal(t, "dependency extract:B failed", report.Tasks["clean:B"].Reason)

	err := report.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrActionFailed)
	assert.Equal(t, []string{
		"clean", "clean:B", "extract:B", "merge", "plot-lap-merged", "plot-split-merged",
	}, report.Failed())

	// Nothing is recorded for tasks that did not finish.
	_, err = os.Stat(filepath.Join(w.dir, "merged.txt"))
	assert.True(t, os.IsNotExist(err))

	// Fixing the failure lets the next run finish without redoing A.
	require.NoError(t, os.Remove(filepath.Join(w.dir, "fail-B")))
	again := w.run(t, 2, mergedPlots...)
	require.True(t, again.OK(), "errors: %v", again.Err())
	assert.Equal(t, TaskSkipped, again.State("extract:A"))
	assert.Equal(t, TaskSkipped, again.State("clean:A"))
	assert.Equal(t, TaskDone, again.State("extract:B"))
}

func TestExecutor_MissingResultBlocks(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, w.graph.Register(core.Task{Name: "producer", Actions: []core.Action{sh("true")}}))
	require.NoError(t, w.graph.Register(core.Task{
		Name:    "consumer",
		Getargs: map[string]core.Binding{"v": {Task: "producer", Key: "value"}},
		Actions: []core.Action{sh("true")},
	}))
	require.NoError(t, w.graph.Register(core.Task{Name: "after", TaskDeps: []string{"consumer"}, Actions: []core.Action{sh("true")}}))

	report := w.run(t, 1, "after")
	assert.Equal(t, TaskDone, report.State("producer"))
	assert.Equal(t, TaskBlocked, report.State("consumer"))
	assert.Equal(t, TaskBlocked, report.State("after"))

	var missing *MissingResultError
	require.ErrorAs(t, report.Tasks["consumer"].Err, &missing)
	assert.Equal(t, "producer", missing.Upstream)
	assert.Equal(t, "value", missing.Key)
	assert.Equal(t, []string{"producer"}, report.ExecutionOrder)
}

func TestExecutor_CancelledBeforeStartBlocksEverything(t *testing.T) {
	w := newWorkspace(t)
	w.racerPipeline(t, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := w.runCtx(t, ctx, 2, "merge")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.True(t, report.Cancelled)
	assert.False(t, report.OK())
	assert.Empty(t, report.ExecutionOrder)
	for _, n := range report.Order {
		assert.Equal(t, TaskBlocked, report.State(n), n)
		assert.Equal(t, "cancelled", report.Tasks[n].Reason)
	}
}

func TestExecutor_CancelDuringRunKillsInFlight(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, w.graph.Register(core.Task{Name: "slow", Actions: []core.Action{sh("sleep 10")}}))
	require.NoError(t, w.graph.Register(core.Task{Name: "next", TaskDeps: []string{"slow"}, Actions: []core.Action{sh("true")}}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	report, err := w.runCtx(t, ctx, 1, "next")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, TaskFailed, report.State("slow"))
	assert.Equal(t, TaskBlocked, report.State("next"))
}

func TestExecutor_CycleDetectedBeforeAnyAction(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, w.graph.Register(core.Task{Name: "A", TaskDeps: []string{"B"}, Actions: []core.Action{sh("touch ran-A")}}))
	require.NoError(t, w.graph.Register(core.Task{Name: "B", TaskDeps: []string{"A"}, Actions: []core.Action{sh("touch ran-B")}}))

	err := w.graph.Freeze()
	require.ErrorIs(t, err, ErrCycleFound)

	_, err = NewExecutor(w.graph, nil, w.runner, Options{})
	require.Error(t, err)
	assert.Empty(t, w.runner.counts)
}

// gateRunner records peak concurrency.
type gateRunner struct {
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
	values  core.Values
}

func (r *gateRunner) RunTask(ctx context.Context, task *core.Task, _ core.Args) (*core.TaskOutput, error) {
	n := r.current.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer r.current.Add(-1)
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &core.TaskOutput{Values: r.values}, nil
}

type alwaysStale struct {
	mu      sync.Mutex
	values  map[string]core.Values
	records int
}

func (o *alwaysStale) Check(*core.Task) (freshness.Decision, error) {
	return freshness.Decision{Stale: true, Reason: "forced"}, nil
}

func (o *alwaysStale) RecordSuccess(task *core.Task, values core.Values, _ freshness.Decision) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.values == nil {
		o.values = map[string]core.Values{}
	}
	o.values[task.Name] = values
	o.records++
	return nil
}

func (o *alwaysStale) Values(name string) (core.Values, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.values[name]
	return v, ok
}

func TestExecutor_JobsBoundConcurrency(t *testing.T) {
	for _, jobs := range []int{1, 3} {
		g := NewGraph()
		var names []string
		for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
			require.NoError(t, g.Register(core.Task{Name: n, Actions: []core.Action{core.Command("true")}}))
			names = append(names, n)
		}
		require.NoError(t, g.Freeze())

		runner := &gateRunner{delay: 30 * time.Millisecond}
		oracle := &alwaysStale{}
		exec, err := NewExecutor(g, oracle, runner, Options{Jobs: jobs})
		require.NoError(t, err)

		report, err := exec.Run(context.Background(), names)
		require.NoError(t, err)
		require.True(t, report.OK())
		assert.LessOrEqual(t, int(runner.peak.Load()), jobs)
		if jobs > 1 {
			assert.Greater(t, int(runner.peak.Load()), 1, "independent tasks should overlap")
		}
		assert.Equal(t, 6, oracle.records)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
	starts int
	ends   int
}

func (o *recordingObserver) OnTransition(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) OnRunStart(string, *Graph, []string) { o.starts++ }
func (o *recordingObserver) OnRunEnd(*Report)                   { o.ends++ }

func TestExecutor_ObserversSeeEveryTransition(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Register(core.Task{Name: "ok", Actions: []core.Action{core.Command("true")}}))
	require.NoError(t, g.Register(core.Task{Name: "bad", TaskDeps: []string{"ok"}, Actions: []core.Action{core.Command("true")}}))
	require.NoError(t, g.Register(core.Task{Name: "after", TaskDeps: []string{"bad"}, Actions: []core.Action{core.Command("true")}}))
	require.NoError(t, g.Freeze())

	obs := &recordingObserver{}
	runner := RunnerFunc(func(_ context.Context, task *core.Task, _ core.Args) (*core.TaskOutput, error) {
		if task.Name == "bad" {
			return nil, errors.New("boom")
		}
		return &core.TaskOutput{}, nil
	})
	exec, err := NewExecutor(g, &alwaysStale{}, runner, Options{Observers: []Observer{obs}})
	require.NoError(t, err)

	report, err := exec.Run(context.Background(), []string{"after"})
	require.NoError(t, err)
	assert.False(t, report.OK())

	var got []string
	for _, ev := range obs.events {
		got = append(got, ev.Task+":"+string(ev.To))
		assert.Equal(t, report.RunID, ev.RunID)
	}
	assert.Equal(t, []string{
		"ok:RUNNING", "ok:DONE",
		"bad:RUNNING", "bad:FAILED", "after:BLOCKED",
	}, got)
	assert.Equal(t, 1, obs.starts)
	assert.Equal(t, 1, obs.ends)
}

func TestNewExecutor_RequiresFrozenGraph(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Register(core.Task{Name: "a", Actions: []core.Action{core.Command("true")}}))
	_, err := NewExecutor(g, &alwaysStale{}, &gateRunner{}, Options{})
	assert.Error(t, err)
}
