package dag

import "time"

// Event describes one task state transition.
type Event struct {
	RunID    string
	Task     string
	From     TaskState
	To       TaskState
	Reason   string
	Cause    string // upstream task responsible for a BLOCKED transition
	Err      error
	Duration time.Duration
}

// Observer is notified of every transition, from the coordinating goroutine.
// Implementations must not block.
type Observer interface {
	OnTransition(ev Event)
}

// RunObserver is optionally implemented by observers interested in run boundaries.
type RunObserver interface {
	OnRunStart(runID string, g *Graph, order []string)
	OnRunEnd(report *Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnTransition(ev Event) { f(ev) }
