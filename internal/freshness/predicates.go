package freshness

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"pipeweave/internal/core"
)

type pathExists struct{ path string }

// PathExists is satisfied while path exists.
func PathExists(path string) core.Predicate { return pathExists{path: path} }

func (p pathExists) Name() string { return "path-exists " + p.path }

func (p pathExists) Uptodate(env core.CheckEnv) (bool, error) { return env.Exists(p.path) }

type constant bool

// Constant is a predicate with a fixed answer.
func Constant(ok bool) core.Predicate { return constant(ok) }

func (c constant) Name() string { return fmt.Sprintf("constant %t", bool(c)) }

func (c constant) Uptodate(core.CheckEnv) (bool, error) { return bool(c), nil }

type resultDep struct{ task string }

// ResultDep is satisfied while the recorded result values of task, or of every
// member when task is a group, are the ones seen at the last success.
func ResultDep(task string) core.Predicate { return resultDep{task: task} }

func (r resultDep) Name() string { return "result-dep " + r.task }

func (r resultDep) Uptodate(env core.CheckEnv) (bool, error) {
	results := env.Results(r.task)
	if len(results) == 0 {
		return false, fmt.Errorf("no recorded result for %s", r.task)
	}
	digest := ResultDigest(results)
	key := "result:" + r.task
	env.Observe(key, digest)
	prev, ok := env.Recorded(key)
	return ok && prev == digest, nil
}

type funcPredicate struct {
	name string
	fn   func(core.CheckEnv) (bool, error)
}

// Func adapts a function into a predicate.
func Func(name string, fn func(core.CheckEnv) (bool, error)) core.Predicate {
	return funcPredicate{name: name, fn: fn}
}

func (f funcPredicate) Name() string { return f.name }

func (f funcPredicate) Uptodate(env core.CheckEnv) (bool, error) { return f.fn(env) }

// ResultDigest hashes a set of result values independently of map ordering.
func ResultDigest(results map[string]core.Values) string {
	h := xxhash.New()
	names := make([]string, 0, len(results))
	for n := range results {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		vals := results[n]
		keys := make([]string, 0, len(vals))
		for k := range vals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = h.WriteString(n)
		_, _ = h.Write([]byte{0})
		for _, k := range keys {
			_, _ = h.WriteString(k)
			_, _ = h.Write([]byte{1})
			_, _ = h.WriteString(vals[k])
			_, _ = h.Write([]byte{2})
		}
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
