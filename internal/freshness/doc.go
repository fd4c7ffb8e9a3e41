// Package freshness decides whether a task must run.
//
// A Ledger persists one Record per task describing its last successful
// execution: fingerprints of file dependencies and targets, the result values
// it produced, an execution stamp and the stamps of the upstream tasks it
// consumed. The Oracle compares a Record against the current state of the
// artifact store and the ledger to produce a Decision.
package freshness
