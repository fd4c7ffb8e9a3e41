package core

import (
	"regexp"
)

// Contribution is one upstream value delivered through a Binding.
type Contribution struct {
	Task   string
	Entity string
	Value  string
}

// Arg is a resolved Binding. Members are ordered by entity identifier.
type Arg struct {
	Binding Binding
	Members []Contribution
}

// Values returns the member values in order.
func (a Arg) Values() []string {
	out := make([]string, 0, len(a.Members))
	for _, m := range a.Members {
		out = append(out, m.Value)
	}
	return out
}

// Map returns the member values keyed by member task name.
func (a Arg) Map() map[string]string {
	out := make(map[string]string, len(a.Members))
	for _, m := range a.Members {
		out[m.Task] = m.Value
	}
	return out
}

// Args holds the resolved bindings of a task keyed by argument name.
type Args map[string]Arg

var placeholderRE = regexp.MustCompile(`^\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// ExpandArgv replaces every argv element of the form "{name}" whose name is a
// bound argument with the values of that argument. Other elements are kept as is.
func ExpandArgv(argv []string, args Args) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		m := placeholderRE.FindStringSubmatch(a)
		if m == nil {
			out = append(out, a)
			continue
		}
		bound, ok := args[m[1]]
		if !ok {
			out = append(out, a)
			continue
		}
		out = append(out, bound.Values()...)
	}
	return out
}
