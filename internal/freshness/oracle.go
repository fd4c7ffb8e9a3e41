package freshness

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pipeweave/internal/core"
)

// Checker selects how file dependencies are compared.
type Checker string

const (
	// CheckerContent reuses the recorded digest when size and mtime are unchanged.
	CheckerContent Checker = "content"
	// CheckerStrict always rehashes.
	CheckerStrict Checker = "strict"
)

// ParseChecker validates a checker name. Empty means CheckerContent.
func ParseChecker(s string) (Checker, error) {
	switch Checker(s) {
	case "", CheckerContent:
		return CheckerContent, nil
	case CheckerStrict:
		return CheckerStrict, nil
	default:
		return "", fmt.Errorf("unknown checker %q (want content or strict)", s)
	}
}

// Topology is the dependency view the oracle needs from the task graph.
type Topology interface {
	// Deps returns the direct dependencies of name, implicit ones included.
	Deps(name string) []string
	// Members returns the members of a group task, nil for ordinary tasks.
	Members(name string) []string
}

// Decision is the outcome of a freshness check.
type Decision struct {
	Stale  bool
	Reason string

	deps     map[string]core.Fingerprint
	upstream map[string]string
	checks   map[string]string
}

// Oracle answers run/skip questions and records successful executions.
type Oracle struct {
	store   *core.ArtifactStore
	ledger  *Ledger
	topo    Topology
	checker Checker
	now     func() time.Time
	log     *zap.Logger
}

// NewOracle creates an Oracle.
func NewOracle(store *core.ArtifactStore, ledger *Ledger, topo Topology, checker Checker, log *zap.Logger) *Oracle {
	if log == nil {
		log = zap.NewNop()
	}
	if checker == "" {
		checker = CheckerContent
	}
	return &Oracle{
		store:   store,
		ledger:  ledger,
		topo:    topo,
		checker: checker,
		now:     time.Now,
		log:     log.Named("oracle"),
	}
}

// Ledger returns the underlying ledger.
func (o *Oracle) Ledger() *Ledger { return o.ledger }

// Check decides whether task must run.
//
// Only I/O failures other than a missing file are returned as errors; every
// other problem, including failing predicates, makes the task stale.
func (o *Oracle) Check(task *core.Task) (Decision, error) {
	if task == nil {
		return Decision{}, errors.New("nil task")
	}
	rec, recorded := o.ledger.Get(task.Name)

	d := Decision{upstream: o.upstreamStamps(task.Name)}
	mark := func(format string, args ...any) {
		if !d.Stale {
			d.Stale = true
			d.Reason = fmt.Sprintf(format, args...)
		}
	}

	if !recorded {
		mark("never run")
	}

	// Predicates always run so their observations can be recorded on success.
	env := &checkEnv{task: task, oracle: o, rec: rec, observed: map[string]string{}}
	for _, p := range task.Uptodate {
		ok, err := p.Uptodate(env)
		switch {
		case err != nil:
			o.log.Debug("uptodate predicate failed", zap.String("task", task.Name), zap.String("predicate", p.Name()), zap.Error(err))
			mark("uptodate %s: %v", p.Name(), err)
		case !ok:
			mark("uptodate %s not satisfied", p.Name())
		}
	}
	if len(env.observed) > 0 {
		d.checks = env.observed
	}

	if len(task.FileDeps) == 0 && len(task.Targets) == 0 && len(task.Uptodate) == 0 {
		mark("no dependencies")
	}

	for _, t := range task.Targets {
		ok, err := o.store.Exists(t)
		if err != nil {
			return Decision{}, fmt.Errorf("checking target %s of %s: %w", t, task.Name, err)
		}
		if !ok {
			mark("target %s missing", t)
		}
	}

	if recorded {
		for up, stamp := range d.upstream {
			if prev, ok := rec.Upstream[up]; !ok || prev != stamp {
				mark("upstream %s re-executed", up)
				break
			}
		}
		if !d.Stale && len(rec.Upstream) != len(d.upstream) {
			mark("upstream set changed")
		}
	}

	d.deps = make(map[string]core.Fingerprint, len(task.FileDeps))
	trust := o.trustMtime(task)
	for _, dep := range task.FileDeps {
		var prev *core.Fingerprint
		if recorded {
			if fp, ok := rec.Deps[dep]; ok {
				prev = &fp
			}
		}
		fp, err := o.store.Fingerprint(dep, prev, trust)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				mark("file dependency %s missing", dep)
				continue
			}
			return Decision{}, fmt.Errorf("fingerprinting %s for %s: %w", dep, task.Name, err)
		}
		d.deps[dep] = fp
		if prev == nil || prev.Digest != fp.Digest {
			mark("file dependency %s changed", dep)
		}
	}

	if !d.Stale {
		d.Reason = "up to date"
	}
	return d, nil
}

// RecordSuccess persists a record for task after its actions succeeded. d is
// the decision that made it run.
func (o *Oracle) RecordSuccess(task *core.Task, values core.Values, d Decision) error {
	rec := &Record{
		Stamp:     uuid.NewString(),
		Completed: o.now().UTC(),
		Deps:      map[string]core.Fingerprint{},
		Targets:   map[string]core.Fingerprint{},
		Values:    values.Clone(),
		Upstream:  d.upstream,
		Checks:    d.checks,
	}
	trust := o.trustMtime(task)
	for _, dep := range task.FileDeps {
		var prev *core.Fingerprint
		if fp, ok := d.deps[dep]; ok {
			prev = &fp
		}
		fp, err := o.store.Fingerprint(dep, prev, trust)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				o.log.Warn("file dependency missing after success", zap.String("task", task.Name), zap.String("path", dep))
				continue
			}
			return fmt.Errorf("fingerprinting %s for %s: %w", dep, task.Name, err)
		}
		rec.Deps[dep] = fp
	}
	for _, t := range task.Targets {
		fp, err := o.store.Fingerprint(t, nil, false)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				o.log.Warn("target not produced", zap.String("task", task.Name), zap.String("path", t))
				continue
			}
			return fmt.Errorf("fingerprinting target %s of %s: %w", t, task.Name, err)
		}
		rec.Targets[t] = fp
	}
	return o.ledger.Put(task.Name, rec)
}

// Values returns the recorded result values of a single task.
func (o *Oracle) Values(name string) (core.Values, bool) {
	rec, ok := o.ledger.Get(name)
	if !ok {
		return nil, false
	}
	return rec.Values, true
}

// Results returns recorded values for name, or for every member when name is
// a group. Tasks without a record are absent from the result.
func (o *Oracle) Results(name string) map[string]core.Values {
	out := map[string]core.Values{}
	for _, leaf := range o.leaves(name) {
		if v, ok := o.Values(leaf); ok {
			out[leaf] = v
		}
	}
	return out
}

// Forget drops the records of names, expanding groups into their members.
func (o *Oracle) Forget(names ...string) ([]string, error) {
	var all []string
	for _, n := range names {
		all = append(all, o.leaves(n)...)
	}
	return o.ledger.Forget(all...)
}

func (o *Oracle) trustMtime(task *core.Task) bool {
	return o.checker == CheckerContent && !task.StrictHash
}

// upstreamStamps maps every direct dependency of name, with groups replaced by
// their members, to its currently recorded stamp.
func (o *Oracle) upstreamStamps(name string) map[string]string {
	if o.topo == nil {
		return nil
	}
	out := map[string]string{}
	for _, dep := range o.topo.Deps(name) {
		for _, leaf := range o.leaves(dep) {
			out[leaf] = o.ledger.Stamp(leaf)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (o *Oracle) leaves(name string) []string {
	if o.topo == nil {
		return []string{name}
	}
	seen := map[string]bool{}
	var out []string
	var walk func(n string)
	walk = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		members := o.topo.Members(n)
		if members == nil {
			out = append(out, n)
			return
		}
		for _, m := range members {
			walk(m)
		}
	}
	walk(name)
	sort.Strings(out)
	return out
}

type checkEnv struct {
	task     *core.Task
	oracle   *Oracle
	rec      *Record
	observed map[string]string
}

func (e *checkEnv) Task() *core.Task { return e.task }

func (e *checkEnv) Exists(path string) (bool, error) { return e.oracle.store.Exists(path) }

func (e *checkEnv) Results(name string) map[string]core.Values { return e.oracle.Results(name) }

func (e *checkEnv) Recorded(key string) (string, bool) {
	if e.rec == nil {
		return "", false
	}
	v, ok := e.rec.Checks[key]
	return v, ok
}

func (e *checkEnv) Observe(key, value string) { e.observed[key] = value }
