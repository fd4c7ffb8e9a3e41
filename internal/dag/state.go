package dag

// TaskState is the runtime state of a task within one execution.
//
// It is kept apart from Graph, which is immutable once frozen.
//
//	PENDING -> SKIPPED | RUNNING | BLOCKED
//	RUNNING -> DONE | FAILED
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskDone    TaskState = "DONE"
	TaskSkipped TaskState = "SKIPPED"
	TaskFailed  TaskState = "FAILED"
	TaskBlocked TaskState = "BLOCKED"
)

// ExecutionState maps task name to its current TaskState. It only holds the
// tasks selected for a run.
type ExecutionState map[string]TaskState
