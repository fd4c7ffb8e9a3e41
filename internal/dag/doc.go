// Package dag holds the task graph and its executor.
//
// It is split into:
//   - Graph: tasks and dependency structure, built in an open phase
//     (Register, ExpandFamily) and made immutable by Freeze
//   - ExecutionState: per-run task states driven by the state machine
//   - Executor: dispatches ready tasks in resolved order, consults the
//     freshness oracle and propagates failures to dependents
package dag
