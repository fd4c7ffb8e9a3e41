package dag

// GetReadyTasks returns the tasks of order that are PENDING and whose
// dependencies are all DONE or SKIPPED, in the order given.
//
// order is a resolved order from Graph.ResolveOrder; every dependency of a
// task in it is in state. This function does not mutate graph or state.
func GetReadyTasks(g *Graph, order []string, state ExecutionState) []string {
	if g == nil {
		return nil
	}
	ready := make([]string, 0)
	for _, name := range order {
		if state[name] != TaskPending {
			continue
		}
		depsOK := true
		for _, d := range g.deps[g.index[name]] {
			if !IsSuccessful(state[g.order[d]]) {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, name)
		}
	}
	return ready
}
