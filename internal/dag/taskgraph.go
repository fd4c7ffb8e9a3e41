package dag

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	"pipeweave/internal/core"
)

// Graph maps task names to tasks.
//
// Tasks are registered while the graph is open; Freeze validates the whole
// graph and makes it read-only. A frozen graph is safe for concurrent reads.
type Graph struct {
	tasks   map[string]*core.Task
	order   []string // declaration order
	index   map[string]int
	members map[string][]string
	frozen  bool

	// Computed by Freeze.
	deps       [][]int // by declaration index, sorted ascending
	dependents [][]int
	indeg      []int
	producers  map[string]string
	hash       GraphHash
}

// NewGraph returns an empty, open graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:   map[string]*core.Task{},
		index:   map[string]int{},
		members: map[string][]string{},
	}
}

// Register adds a task. The graph keeps its own copy.
func (g *Graph) Register(task core.Task) error {
	if g.frozen {
		return ErrFrozen
	}
	name := strings.TrimSpace(task.Name)
	if name == "" {
		return invalidf("task name is required")
	}
	if name != task.Name {
		return invalidf("task name %q has surrounding whitespace", task.Name)
	}
	if _, exists := g.tasks[name]; exists {
		return &DuplicateTaskError{Name: name}
	}
	for i, a := range task.Actions {
		if a.Kind == core.CommandAction && len(a.Argv) == 0 {
			return invalidf("task %q: action %d has an empty command", name, i+1)
		}
		if a.Kind == core.CallAction && a.Fn == nil {
			return invalidf("task %q: action %d has no function", name, i+1)
		}
	}
	t := cloneTask(task)
	g.index[name] = len(g.order)
	g.order = append(g.order, name)
	g.tasks[name] = t
	return nil
}

// RegisterGroup adds an actionless task depending on every member. Selecting
// the group selects its members.
func (g *Graph) RegisterGroup(name, doc string, members []string) error {
	if err := g.Register(core.Task{Name: name, Doc: doc, TaskDeps: members}); err != nil {
		return err
	}
	g.members[name] = append([]string{}, members...)
	return nil
}

// Task returns the task registered under name.
func (g *Graph) Task(name string) (*core.Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns every task in declaration order.
func (g *Graph) Tasks() []*core.Task {
	out := make([]*core.Task, 0, len(g.order))
	for _, n := range g.order {
		out = append(out, g.tasks[n])
	}
	return out
}

// Names returns every task name in declaration order.
func (g *Graph) Names() []string {
	return append([]string{}, g.order...)
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// Frozen reports whether Freeze succeeded.
func (g *Graph) Frozen() bool { return g.frozen }

// IsGroup reports whether name was registered with RegisterGroup.
func (g *Graph) IsGroup(name string) bool {
	_, ok := g.members[name]
	return ok
}

// Members returns the members of a group, nil for ordinary tasks.
func (g *Graph) Members(name string) []string {
	m, ok := g.members[name]
	if !ok {
		return nil
	}
	return append([]string{}, m...)
}

// Leaves returns name itself, or for a group every non-group task reachable
// through its members, in declaration order.
func (g *Graph) Leaves(name string) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(n string)
	walk = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		m, ok := g.members[n]
		if !ok {
			out = append(out, n)
			return
		}
		for _, child := range m {
			walk(child)
		}
	}
	walk(name)
	sort.SliceStable(out, func(i, j int) bool { return g.index[out[i]] < g.index[out[j]] })
	return out
}

// Deps returns the direct dependencies of name (explicit task deps, binding
// sources and producers of file deps). Only valid once frozen.
func (g *Graph) Deps(name string) []string {
	i, ok := g.index[name]
	if !ok || !g.frozen {
		return nil
	}
	return g.names(g.deps[i])
}

// Dependents returns the tasks that directly depend on name. Only valid once frozen.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.index[name]
	if !ok || !g.frozen {
		return nil
	}
	return g.names(g.dependents[i])
}

// Producer returns the task declaring path as a target.
func (g *Graph) Producer(path string) (string, bool) {
	p, ok := g.producers[filepath.Clean(path)]
	return p, ok
}

// Hash returns the graph identity. Only valid once frozen.
func (g *Graph) Hash() GraphHash { return g.hash }

func (g *Graph) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.order[i])
	}
	return out
}

// Freeze validates the graph and makes it immutable.
//
// Every unknown reference and overlapping target is reported, aggregated.
// Cycles are only searched for once all references resolve.
func (g *Graph) Freeze() error {
	if g.frozen {
		return nil
	}
	n := len(g.order)
	producers := make(map[string]string)
	var errs error

	for _, name := range g.order {
		for _, target := range g.tasks[name].Targets {
			p := filepath.Clean(target)
			if first, exists := producers[p]; exists {
				errs = multierr.Append(errs, &OverlappingTargetError{Path: p, First: first, Second: name})
				continue
			}
			producers[p] = name
		}
	}

	deps := make([][]int, n)
	for i, name := range g.order {
		t := g.tasks[name]
		set := map[int]struct{}{}
		for _, d := range t.TaskDeps {
			j, ok := g.index[d]
			if !ok {
				errs = multierr.Append(errs, &UnknownTaskError{Task: name, Ref: d})
				continue
			}
			set[j] = struct{}{}
		}
		for _, arg := range sortedKeys(t.Getargs) {
			b := t.Getargs[arg]
			j, ok := g.index[b.Task]
			if !ok {
				errs = multierr.Append(errs, &UnknownTaskError{Task: name, Ref: b.Task})
				continue
			}
			set[j] = struct{}{}
		}
		for _, f := range t.FileDeps {
			if p, ok := producers[filepath.Clean(f)]; ok && p != name {
				set[g.index[p]] = struct{}{}
			}
		}
		for j := range set {
			deps[i] = append(deps[i], j)
		}
		sort.Ints(deps[i])
	}
	if errs != nil {
		return errs
	}

	dependents := make([][]int, n)
	indeg := make([]int, n)
	for i := range deps {
		for _, j := range deps[i] {
			dependents[j] = append(dependents[j], i)
			indeg[i]++
		}
	}
	for i := range dependents {
		sort.Ints(dependents[i])
	}

	g.deps, g.dependents, g.indeg, g.producers = deps, dependents, indeg, producers
	if err := g.validateAcyclic(); err != nil {
		g.deps, g.dependents, g.indeg, g.producers = nil, nil, nil, nil
		return err
	}
	g.hash = g.computeHash()
	g.frozen = true
	return nil
}

// ResolveOrder returns the transitive closure of targets in dependency order.
// Ties are broken by declaration order. An open graph is frozen first.
func (g *Graph) ResolveOrder(targets []string) ([]string, error) {
	if err := g.Freeze(); err != nil {
		return nil, err
	}
	in := make([]bool, len(g.order))
	var stack []int
	for _, t := range targets {
		i, ok := g.index[t]
		if !ok {
			return nil, &UnknownTaskError{Ref: t}
		}
		if !in[i] {
			in[i] = true
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.deps[u] {
			if !in[d] {
				in[d] = true
				stack = append(stack, d)
			}
		}
	}
	return g.names(g.topoOrderIndices(in)), nil
}

// Match expands patterns into task names, in pattern order and then
// declaration order.
//
// A pattern equal to a task name selects it, hidden or not. Otherwise it is
// a glob matched against visible names; names with a ':' only match patterns
// that contain one, so "plot*" selects the plot groups rather than each member.
func (g *Graph) Match(patterns []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, pattern := range patterns {
		if _, ok := g.tasks[pattern]; ok {
			add(pattern)
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid task pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
		matched := false
		for _, name := range g.order {
			if g.tasks[name].Hidden() {
				continue
			}
			if strings.Contains(name, ":") && !strings.Contains(pattern, ":") {
				continue
			}
			ok, err := doublestar.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("invalid task pattern %q: %w", pattern, err)
			}
			if ok {
				matched = true
				add(name)
			}
		}
		if !matched {
			return nil, &UnknownTaskError{Ref: pattern}
		}
	}
	return out, nil
}

func (g *Graph) computeHash() GraphHash {
	h := xxhash.New()
	var lenBuf [8]byte
	writeField := func(s string) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.WriteString(s)
	}
	writeList := func(items []string) {
		writeField(fmt.Sprint(len(items)))
		for _, it := range items {
			writeField(it)
		}
	}

	for i, name := range g.order {
		t := g.tasks[name]
		writeField(name)
		writeList(t.FileDeps)
		writeList(t.Targets)
		writeList(g.names(g.deps[i]))
		for _, a := range t.Actions {
			writeField(a.String())
		}
		for _, arg := range sortedKeys(t.Getargs) {
			writeField(arg + "=" + t.Getargs[arg].Task + "." + t.Getargs[arg].Key)
		}
	}
	return GraphHash(fmt.Sprintf("%016x", h.Sum64()))
}

func cloneTask(t core.Task) *core.Task {
	cp := t
	cp.FileDeps = append([]string(nil), t.FileDeps...)
	cp.TaskDeps = append([]string(nil), t.TaskDeps...)
	cp.Targets = append([]string(nil), t.Targets...)
	cp.Actions = append([]core.Action(nil), t.Actions...)
	cp.Uptodate = append([]core.Predicate(nil), t.Uptodate...)
	if t.Getargs != nil {
		cp.Getargs = make(map[string]core.Binding, len(t.Getargs))
		for k, v := range t.Getargs {
			cp.Getargs[k] = v
		}
	}
	return &cp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
