package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is final.
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskDone, TaskSkipped, TaskFailed, TaskBlocked:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies dependents.
func IsSuccessful(s TaskState) bool {
	return s == TaskDone || s == TaskSkipped
}

// Transition performs a validated transition for a single task.
//
// The caller supplies the expected prior state (from) to make races observable.
// The state map is mutated if and only if the transition is valid.
func Transition(state ExecutionState, taskName string, from, to TaskState) error {
	cur, ok := state[taskName]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", taskName)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", taskName, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", taskName, from, to)
	}
	state[taskName] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskSkipped || to == TaskBlocked
	case TaskRunning:
		return to == TaskDone || to == TaskFailed
	default:
		return false
	}
}

// FailAndPropagate moves taskName from RUNNING to FAILED and marks every
// transitive dependent still PENDING as BLOCKED. The blocked names are
// returned in declaration order.
func FailAndPropagate(g *Graph, state ExecutionState, taskName string) ([]string, error) {
	if err := Transition(state, taskName, TaskRunning, TaskFailed); err != nil {
		return nil, err
	}
	return propagateBlocked(g, state, taskName)
}

// BlockAndPropagate moves taskName from PENDING to BLOCKED and blocks its
// transitive dependents the same way.
func BlockAndPropagate(g *Graph, state ExecutionState, taskName string) ([]string, error) {
	if err := Transition(state, taskName, TaskPending, TaskBlocked); err != nil {
		return nil, err
	}
	return propagateBlocked(g, state, taskName)
}

// propagateBlocked walks dependents in declaration-index order. Tasks outside
// state were not selected and are ignored. A RUNNING dependent means a
// dependency was dispatched too early and is reported as an invariant violation.
func propagateBlocked(g *Graph, state ExecutionState, taskName string) ([]string, error) {
	if g == nil || !g.frozen {
		return nil, fmt.Errorf("graph is not frozen")
	}
	start, ok := g.index[taskName]
	if !ok {
		return nil, fmt.Errorf("unknown task: %q", taskName)
	}

	visited := make([]bool, len(g.order))
	visited[start] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range g.dependents[start] {
		heap.Push(hq, d)
	}

	var blocked []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.order[u]
		st, ok := state[name]
		if !ok {
			continue
		}
		switch st {
		case TaskPending:
			state[name] = TaskBlocked
			blocked = append(blocked, name)
		case TaskRunning:
			return blocked, fmt.Errorf("invariant violation: downstream task %q is RUNNING during failure propagation", name)
		}

		for _, v := range g.dependents[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}
	return blocked, nil
}
