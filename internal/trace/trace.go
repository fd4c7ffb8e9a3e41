// Package trace records a canonical, timestamp-free account of a run.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical record of one run: what each selected task
// did and why.
//
// It holds logical decisions only. No timestamps, durations, error strings or
// run identifiers, so two runs that made the same decisions over the same
// graph produce the same bytes regardless of scheduling.
type ExecutionTrace struct {
	GraphHash string
	Targets   []string
	Events    []TraceEvent
}

// TraceEventKind discriminates TraceEvent. The values are part of the
// canonical bytes; do not rename.
type TraceEventKind string

const (
	EventTaskInvalidated TraceEventKind = "TaskInvalidated"
	EventTaskExecuted    TraceEventKind = "TaskExecuted"
	EventTaskSkipped     TraceEventKind = "TaskSkipped"
	EventTaskFailed      TraceEventKind = "TaskFailed"
	EventTaskBlocked     TraceEventKind = "TaskBlocked"
)

// TraceEvent is a single decision or outcome.
//
// Artifacts lists the targets a task produced; it is sorted on encoding and
// omitted when empty.
type TraceEvent struct {
	Kind TraceEventKind

	TaskID string

	// Reason is the oracle's or the executor's explanation, e.g. "never run"
	// or "file dependency data/laps.csv changed".
	Reason string

	// CauseTaskID is the upstream task responsible for a block.
	CauseTaskID string

	Artifacts []string
}

// Validate checks basic invariants.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if kindOrder(e.Kind) == unknownKind {
			return fmt.Errorf("events[%d]: unknown kind %q", i, e.Kind)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required", i)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical form: targets sorted,
// artifacts sorted (empty normalized to nil), events ordered by
// (taskId, kind, reason, causeTaskId, artifacts).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	t.Targets = sortedCopy(t.Targets)
	for i := range t.Events {
		t.Events[i].Artifacts = sortedCopy(t.Events[i].Artifacts)
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.CauseTaskID != b.CauseTaskID {
			return a.CauseTaskID < b.CauseTaskID
		}
		return compareStringSlices(a.Artifacts, b.Artifacts)
	})
}

const unknownKind = 1000

// kindOrder follows the lifecycle of a task.
func kindOrder(k TraceEventKind) int {
	switch k {
	case EventTaskInvalidated:
		return 10
	case EventTaskExecuted:
		return 20
	case EventTaskSkipped:
		return 30
	case EventTaskFailed:
		return 40
	case EventTaskBlocked:
		return 50
	default:
		return unknownKind
	}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func compareStringSlices(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical encoding of a canonicalized copy of t.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	cp := ExecutionTrace{GraphHash: t.GraphHash, Targets: t.Targets}
	cp.Events = make([]TraceEvent, len(t.Events))
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the trace hash of the canonical encoding.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order. It does not sort.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"graphHash":`)
	writeString(&buf, t.GraphHash)

	if len(t.Targets) > 0 {
		buf.WriteString(`,"targets":`)
		writeStrings(&buf, t.Targets)
	}

	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))

	if e.TaskID != "" {
		buf.WriteString(`,"taskId":`)
		writeString(&buf, e.TaskID)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeString(&buf, e.Reason)
	}
	if e.CauseTaskID != "" {
		buf.WriteString(`,"causeTaskId":`)
		writeString(&buf, e.CauseTaskID)
	}
	if artifacts := sortedCopy(e.Artifacts); len(artifacts) > 0 {
		buf.WriteString(`,"artifacts":`)
		writeStrings(&buf, artifacts)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func writeStrings(buf *bytes.Buffer, ss []string) {
	buf.WriteByte('[')
	for i, s := range ss {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, s)
	}
	buf.WriteByte(']')
}
