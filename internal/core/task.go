package core

import "strings"

// Values is the result mapping a task exposes to its dependents once it completes.
type Values map[string]string

// Clone returns an independent copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Binding declares that a task wants Values[Key] of Task.
//
// When Task names a family (a group task), the bound argument collects the value
// from every member of the family.
type Binding struct {
	Task string `json:"task" yaml:"task"`
	Key  string `json:"key" yaml:"key"`
}

// Task represents one named unit of work.
//
// Name is unique within a graph. Family members use the two-part form
// "basename:subname"; the subname is the entity identifier the member was
// generated for.
type Task struct {
	// Name is the unique task identifier.
	Name string

	// Doc is a one-line description shown by the list command.
	Doc string

	// Entity is the identifier a family member was generated for. Empty for static tasks.
	Entity string

	// FileDeps are input paths whose content gates freshness.
	FileDeps []string

	// TaskDeps are tasks that must complete first.
	TaskDeps []string

	// Targets are the paths this task produces.
	Targets []string

	// Actions run strictly in declaration order.
	Actions []Action

	// Uptodate predicates; any unsatisfied predicate makes the task stale.
	Uptodate []Predicate

	// Getargs binds upstream result values to named action arguments.
	Getargs map[string]Binding

	// Clean marks the targets as removable by clean mode.
	Clean bool

	// StrictHash disables the size/mtime short-circuit for file dependencies.
	StrictHash bool
}

// Basename returns the part of the name before the first ':'.
func (t *Task) Basename() string {
	return Basename(t.Name)
}

// Hidden reports whether the task is excluded from listings and pattern selection.
func (t *Task) Hidden() bool {
	return strings.HasPrefix(t.Name, "_")
}

// Basename returns the group part of a task name.
func Basename(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// Predicate is a custom uptodate check.
//
// Implementations are provided by the freshness package.
type Predicate interface {
	Name() string
	Uptodate(env CheckEnv) (bool, error)
}

// CheckEnv is what a predicate may consult while deciding freshness.
type CheckEnv interface {
	// Task is the task being checked.
	Task() *Task

	// Exists reports whether path is present in the artifact store.
	Exists(path string) (bool, error)

	// Results returns the recorded result values of a task, or of every member
	// of a family, keyed by member name.
	Results(name string) map[string]Values

	// Recorded returns the value this check observed under key at the task's last success.
	Recorded(key string) (string, bool)

	// Observe stores value under key; it is persisted only if the task succeeds.
	Observe(key, value string)
}
