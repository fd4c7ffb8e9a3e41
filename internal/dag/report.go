package dag

import (
	"sort"
	"time"

	"go.uber.org/multierr"

	"pipeweave/internal/core"
)

// TaskReport is the outcome of one task.
type TaskReport struct {
	Name     string
	State    TaskState
	Reason   string
	Err      error
	Values   core.Values
	Duration time.Duration
}

// Report is the summary of one execution. Partial failure is an expected
// outcome: every selected task appears with its terminal state.
type Report struct {
	RunID     string
	GraphHash GraphHash

	// Targets are the requested tasks.
	Targets []string

	// Order is the resolved order of every selected task.
	Order []string

	// ExecutionOrder lists the tasks whose actions were started, in start order.
	ExecutionOrder []string

	Tasks map[string]*TaskReport

	Cancelled bool
}

func newReport(runID string, hash GraphHash, targets, order []string) *Report {
	r := &Report{
		RunID:     runID,
		GraphHash: hash,
		Targets:   append([]string{}, targets...),
		Order:     append([]string{}, order...),
		Tasks:     make(map[string]*TaskReport, len(order)),
	}
	for _, n := range order {
		r.Tasks[n] = &TaskReport{Name: n, State: TaskPending}
	}
	return r
}

// OK reports whether every requested target is DONE or SKIPPED.
func (r *Report) OK() bool {
	if r == nil || r.Cancelled {
		return false
	}
	for _, t := range r.Targets {
		tr, ok := r.Tasks[t]
		if !ok || !IsSuccessful(tr.State) {
			return false
		}
	}
	return true
}

// State returns the final state of name.
func (r *Report) State(name string) TaskState {
	if tr, ok := r.Tasks[name]; ok {
		return tr.State
	}
	return ""
}

// Names returns the tasks that ended in state, in resolved order.
func (r *Report) Names(state TaskState) []string {
	var out []string
	for _, n := range r.Order {
		if r.Tasks[n].State == state {
			out = append(out, n)
		}
	}
	return out
}

// Counts returns the number of tasks per state.
func (r *Report) Counts() map[TaskState]int {
	out := map[TaskState]int{}
	for _, tr := range r.Tasks {
		out[tr.State]++
	}
	return out
}

// Err combines the errors of every FAILED or BLOCKED task, in resolved order.
func (r *Report) Err() error {
	var err error
	for _, n := range r.Order {
		if tr := r.Tasks[n]; tr.Err != nil {
			err = multierr.Append(err, tr.Err)
		}
	}
	return err
}

// Failed returns the names of FAILED and BLOCKED tasks, sorted.
func (r *Report) Failed() []string {
	out := append(r.Names(TaskFailed), r.Names(TaskBlocked)...)
	sort.Strings(out)
	return out
}
