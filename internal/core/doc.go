// Package core provides the leaf building blocks of the task engine.
//
// # Core Types
//
// Task: a named unit of work with file dependencies, task dependencies,
// targets, ordered actions and optional result bindings.
// Action: a tagged variant, either an external command or an in-process call.
// Invoker: runs a task's actions in order and captures their output.
// ArtifactStore: answers existence and content fingerprint queries for the
// paths tasks read and produce.
//
// Nothing in this package knows about graphs or freshness; those live in the
// dag and freshness packages.
package core
