package dag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pipeweave/internal/core"
	"pipeweave/internal/freshness"
)

// Oracle decides whether a task must run and remembers successful runs.
type Oracle interface {
	Check(task *core.Task) (freshness.Decision, error)
	RecordSuccess(task *core.Task, values core.Values, d freshness.Decision) error
	Values(name string) (core.Values, bool)
}

// Runner runs the actions of one task.
type Runner interface {
	RunTask(ctx context.Context, task *core.Task, args core.Args) (*core.TaskOutput, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *core.Task, args core.Args) (*core.TaskOutput, error)

func (f RunnerFunc) RunTask(ctx context.Context, task *core.Task, args core.Args) (*core.TaskOutput, error) {
	return f(ctx, task, args)
}

// Options configures an Executor.
type Options struct {
	// Jobs bounds the number of tasks running at once. Values below 1 mean 1.
	Jobs int

	Logger    *zap.Logger
	Observers []Observer
}

// Executor runs a frozen Graph.
//
// A single coordinating goroutine owns the execution state: it asks the
// oracle, resolves result bindings, records successes and propagates
// failures. Only task actions run on worker goroutines.
type Executor struct {
	graph     *Graph
	oracle    Oracle
	runner    Runner
	jobs      int
	log       *zap.Logger
	observers []Observer
}

// NewExecutor creates an executor for g, which must be frozen.
func NewExecutor(g *Graph, oracle Oracle, runner Runner, opts Options) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if !g.Frozen() {
		return nil, fmt.Errorf("graph must be frozen before execution")
	}
	if oracle == nil {
		return nil, fmt.Errorf("nil oracle")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		graph:     g,
		oracle:    oracle,
		runner:    runner,
		jobs:      jobs,
		log:       log.Named("executor"),
		observers: append([]Observer{}, opts.Observers...),
	}, nil
}

type completion struct {
	name     string
	decision freshness.Decision
	out      *core.TaskOutput
	err      error
	duration time.Duration
}

// execution is the coordinator-owned state of one Run.
type execution struct {
	*Executor

	ctx      context.Context
	workCtx  context.Context
	state    ExecutionState
	order    []string
	report   *Report
	done     chan completion
	eg       *errgroup.Group
	inFlight int
}

// Run executes targets and everything they depend on.
//
// Task failures do not abort the run: the failed task's dependents end
// BLOCKED and independent branches go on. The returned error is reserved for
// configuration problems, cancellation and internal invariant violations;
// on cancellation the report is returned as well.
func (e *Executor) Run(ctx context.Context, targets []string) (*Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets to run")
	}
	order, err := e.graph.ResolveOrder(targets)
	if err != nil {
		return nil, err
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg := &errgroup.Group{}
	eg.SetLimit(e.jobs)

	x := &execution{
		Executor: e,
		ctx:      ctx,
		workCtx:  workCtx,
		state:    make(ExecutionState, len(order)),
		order:    order,
		report:   newReport(uuid.NewString(), e.graph.Hash(), targets, order),
		done:     make(chan completion, len(order)),
		eg:       eg,
	}
	for _, n := range order {
		x.state[n] = TaskPending
	}

	for _, o := range e.observers {
		if ro, ok := o.(RunObserver); ok {
			ro.OnRunStart(x.report.RunID, e.graph, order)
		}
	}
	e.log.Info("run started",
		zap.String("run_id", x.report.RunID),
		zap.Strings("targets", targets),
		zap.Int("tasks", len(order)),
		zap.Int("jobs", e.jobs))

	if err := x.loop(); err != nil {
		cancel()
		for x.inFlight > 0 {
			<-x.done
			x.inFlight--
		}
		_ = eg.Wait()
		return nil, err
	}
	_ = eg.Wait()

	var runErr error
	if ctx.Err() != nil {
		x.report.Cancelled = true
		for _, n := range order {
			if x.state[n] != TaskPending {
				continue
			}
			if err := x.transition(n, TaskPending, TaskBlocked, "cancelled", nil, 0); err != nil {
				return nil, err
			}
		}
		runErr = fmt.Errorf("execution cancelled: %w", ctx.Err())
	} else {
		for _, n := range order {
			if x.state[n] == TaskPending {
				return nil, fmt.Errorf("no ready tasks but graph not finished: %q is still pending", n)
			}
		}
	}

	counts := x.report.Counts()
	e.log.Info("run finished",
		zap.String("run_id", x.report.RunID),
		zap.Int("done", counts[TaskDone]),
		zap.Int("skipped", counts[TaskSkipped]),
		zap.Int("failed", counts[TaskFailed]),
		zap.Int("blocked", counts[TaskBlocked]))
	for _, o := range e.observers {
		if ro, ok := o.(RunObserver); ok {
			ro.OnRunEnd(x.report)
		}
	}
	return x.report, runErr
}

func (x *execution) loop() error {
	for {
		progressed := false
		if x.ctx.Err() == nil {
			for _, name := range GetReadyTasks(x.graph, x.order, x.state) {
				if x.inFlight >= x.jobs {
					break
				}
				if err := x.start(name); err != nil {
					return err
				}
				progressed = true
			}
		}
		if progressed {
			continue
		}
		if x.inFlight == 0 {
			return nil
		}
		c := <-x.done
		x.inFlight--
		if err := x.finish(c); err != nil {
			return err
		}
	}
}

// start settles a ready task synchronously when it is a group, blocked or
// fresh, and otherwise dispatches its actions to a worker.
func (x *execution) start(name string) error {
	task, _ := x.graph.Task(name)
	if len(task.Actions) == 0 {
		return x.settleGroup(name)
	}

	args, err := x.resolveArgs(task)
	if err != nil {
		var missing *MissingResultError
		if !errors.As(err, &missing) {
			return err
		}
		return x.block(name, err)
	}

	d, err := x.oracle.Check(task)
	if err != nil {
		if terr := x.transition(name, TaskPending, TaskRunning, "freshness check failed", nil, 0); terr != nil {
			return terr
		}
		return x.fail(name, fmt.Errorf("checking %s: %w", name, err), 0)
	}
	if !d.Stale {
		return x.transition(name, TaskPending, TaskSkipped, d.Reason, nil, 0)
	}

	if err := x.transition(name, TaskPending, TaskRunning, d.Reason, nil, 0); err != nil {
		return err
	}
	x.report.ExecutionOrder = append(x.report.ExecutionOrder, name)
	x.inFlight++
	started := time.Now()
	x.eg.Go(func() error {
		out, err := x.runner.RunTask(x.workCtx, task, args)
		x.done <- completion{name: name, decision: d, out: out, err: err, duration: time.Since(started)}
		return nil
	})
	return nil
}

func (x *execution) finish(c completion) error {
	if c.err != nil {
		return x.fail(c.name, c.err, c.duration)
	}
	task, _ := x.graph.Task(c.name)
	var values core.Values
	if c.out != nil {
		values = c.out.Values
	}
	if err := x.oracle.RecordSuccess(task, values, c.decision); err != nil {
		return x.fail(c.name, fmt.Errorf("recording %s: %w", c.name, err), c.duration)
	}
	x.report.Tasks[c.name].Values = values.Clone()
	return x.transition(c.name, TaskRunning, TaskDone, "", nil, c.duration)
}

// settleGroup finishes an actionless task: DONE when any dependency ran in
// this execution, SKIPPED otherwise. Groups are never recorded.
func (x *execution) settleGroup(name string) error {
	for _, d := range x.graph.Deps(name) {
		if x.state[d] != TaskDone {
			continue
		}
		if err := Transition(x.state, name, TaskPending, TaskRunning); err != nil {
			return err
		}
		if err := Transition(x.state, name, TaskRunning, TaskDone); err != nil {
			return err
		}
		x.observe(Event{Task: name, From: TaskPending, To: TaskDone, Reason: "dependency executed"})
		return nil
	}
	return x.transition(name, TaskPending, TaskSkipped, "dependencies up to date", nil, 0)
}

func (x *execution) fail(name string, err error, d time.Duration) error {
	reason := "action failed"
	if errors.Is(err, context.Canceled) {
		reason = "cancelled"
	}
	blocked, perr := FailAndPropagate(x.graph, x.state, name)
	x.observe(Event{Task: name, From: TaskRunning, To: TaskFailed, Reason: reason, Err: err, Duration: d})
	for _, b := range blocked {
		x.observe(Event{Task: b, From: TaskPending, To: TaskBlocked, Reason: fmt.Sprintf("dependency %s failed", name), Cause: name})
	}
	return perr
}

func (x *execution) block(name string, err error) error {
	blocked, perr := BlockAndPropagate(x.graph, x.state, name)
	if x.state[name] != TaskBlocked {
		return perr
	}
	cause := ""
	var missing *MissingResultError
	if errors.As(err, &missing) {
		cause = missing.Upstream
	}
	x.observe(Event{Task: name, From: TaskPending, To: TaskBlocked, Reason: "missing result", Err: err, Cause: cause})
	for _, b := range blocked {
		x.observe(Event{Task: b, From: TaskPending, To: TaskBlocked, Reason: fmt.Sprintf("dependency %s blocked", name), Cause: name})
	}
	return perr
}

// resolveArgs collects the values bound by task's Getargs. Family members are
// ordered by entity identifier.
func (x *execution) resolveArgs(task *core.Task) (core.Args, error) {
	if len(task.Getargs) == 0 {
		return nil, nil
	}
	args := make(core.Args, len(task.Getargs))
	for _, argName := range sortedKeys(task.Getargs) {
		b := task.Getargs[argName]
		leaves := x.graph.Leaves(b.Task)
		members := make([]core.Contribution, 0, len(leaves))
		for _, leaf := range leaves {
			vals, _ := x.oracle.Values(leaf)
			v, ok := vals[b.Key]
			if !ok {
				return nil, &MissingResultError{Task: task.Name, Upstream: leaf, Key: b.Key}
			}
			lt, _ := x.graph.Task(leaf)
			members = append(members, core.Contribution{Task: leaf, Entity: lt.Entity, Value: v})
		}
		sort.SliceStable(members, func(i, j int) bool {
			if members[i].Entity != members[j].Entity {
				return members[i].Entity < members[j].Entity
			}
			return members[i].Task < members[j].Task
		})
		args[argName] = core.Arg{Binding: b, Members: members}
	}
	return args, nil
}

// transition applies a validated state change and reports it.
func (x *execution) transition(name string, from, to TaskState, reason string, err error, d time.Duration) error {
	if terr := Transition(x.state, name, from, to); terr != nil {
		return terr
	}
	x.observe(Event{Task: name, From: from, To: to, Reason: reason, Err: err, Duration: d})
	return nil
}

// observe reports a change already applied to the state.
func (x *execution) observe(ev Event) {
	ev.RunID = x.report.RunID
	tr := x.report.Tasks[ev.Task]
	tr.State = ev.To
	if ev.Reason != "" {
		tr.Reason = ev.Reason
	}
	if ev.Err != nil {
		tr.Err = ev.Err
	}
	if ev.Duration > 0 {
		tr.Duration = ev.Duration
	}

	fields := []zap.Field{zap.String("task", ev.Task), zap.String("state", string(ev.To))}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	err, d := ev.Err, ev.Duration
	switch ev.To {
	case TaskRunning:
		x.log.Debug("task started", fields...)
	case TaskFailed:
		x.log.Error("task failed", append(fields, zap.Error(err), zap.Duration("duration", d))...)
	case TaskBlocked:
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		x.log.Warn("task blocked", fields...)
	case TaskDone:
		x.log.Info("task done", append(fields, zap.Duration("duration", d))...)
	default:
		x.log.Debug("task settled", fields...)
	}

	for _, o := range x.observers {
		o.OnTransition(ev)
	}
}
