package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"pipeweave/internal/dag"
)

// Recorder is a concurrency-safe in-memory collector. It observes executor
// transitions and turns them into events; ordering is computed when the trace
// is built, so scheduling never shows in the result.
type Recorder struct {
	mu        sync.Mutex
	graph     *dag.Graph
	graphHash string
	targets   []string
	events    []TraceEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// OnRunStart implements dag.RunObserver. Events of a previous run are dropped.
func (r *Recorder) OnRunStart(_ string, g *dag.Graph, _ []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph = g
	r.graphHash = g.Hash().String()
	r.targets = nil
	r.events = nil
}

// OnRunEnd implements dag.RunObserver.
func (r *Recorder) OnRunEnd(report *dag.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append([]string{}, report.Targets...)
}

// OnTransition implements dag.Observer.
func (r *Recorder) OnTransition(ev dag.Event) {
	e := TraceEvent{TaskID: ev.Task, Reason: ev.Reason}
	switch ev.To {
	case dag.TaskRunning:
		e.Kind = EventTaskInvalidated
	case dag.TaskDone:
		e.Kind = EventTaskExecuted
		e.Artifacts = r.targetsOf(ev.Task)
	case dag.TaskSkipped:
		e.Kind = EventTaskSkipped
	case dag.TaskFailed:
		e.Kind = EventTaskFailed
	case dag.TaskBlocked:
		e.Kind = EventTaskBlocked
		e.CauseTaskID = ev.Cause
	default:
		return
	}
	r.Record(e)
}

func (r *Recorder) targetsOf(name string) []string {
	r.mu.Lock()
	g := r.graph
	r.mu.Unlock()
	if g == nil {
		return nil
	}
	t, ok := g.Task(name)
	if !ok {
		return nil
	}
	return append([]string{}, t.Targets...)
}

// Snapshot returns a copy of every recorded event.
func (r *Recorder) Snapshot() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds the canonical trace of the last run.
func (r *Recorder) Trace() ExecutionTrace {
	r.mu.Lock()
	tr := ExecutionTrace{GraphHash: r.graphHash, Targets: append([]string{}, r.targets...)}
	r.mu.Unlock()
	tr.Events = r.Snapshot()
	tr.Canonicalize()
	return tr
}

// WriteFile atomically replaces path with the canonical trace.
func (r *Recorder) WriteFile(path string) error {
	b, err := r.Trace().CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("trace dir: %w", err)
	}
	if err := renameio.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}
