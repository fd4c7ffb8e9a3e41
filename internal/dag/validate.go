package dag

import (
	"container/heap"
)

// validateAcyclic proves the graph has no cycles using Kahn's algorithm.
//
// If a cycle exists, it deterministically extracts one cycle path for error reporting.
func (g *Graph) validateAcyclic() error {
	order := g.topoOrderIndices(nil)
	if len(order) == len(g.order) {
		return nil
	}
	return &CyclicDependencyError{Cycle: g.findCycleDeterministic()}
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices returns a topological ordering of the selected task
// indices (all of them when subset is nil). The ready queue is a min-heap by
// declaration index.
func (g *Graph) topoOrderIndices(subset []bool) []int {
	selected := func(i int) bool { return subset == nil || subset[i] }

	indeg := make([]int, len(g.order))
	for i := range g.deps {
		if !selected(i) {
			continue
		}
		for _, d := range g.deps[i] {
			if selected(d) {
				indeg[i]++
			}
		}
	}

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if selected(i) && indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.dependents[n] {
			if !selected(m) {
				continue
			}
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycleDeterministic walks dependency edges in declaration order and
// returns one cycle as task names, starting and ending with the same task.
func (g *Graph) findCycleDeterministic() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.order))
	parent := make([]int, len(g.order))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.dependents[u] { // already sorted
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				// Back-edge u -> v. Reconstruct v ... u -> v.
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := 0; i < len(g.order); i++ {
		if color[i] != white {
			continue
		}
		if dfs(i) {
			break
		}
	}

	if len(cycle) == 0 {
		return nil
	}

	// cycle is [v, u, ..., v] with the middle walked through parents; reverse it.
	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.order[cycle[i]])
	}
	return out
}
