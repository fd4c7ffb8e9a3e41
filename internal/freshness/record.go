package freshness

import (
	"time"

	"pipeweave/internal/core"
)

// Record describes the last successful execution of a task.
type Record struct {
	// Stamp identifies the execution. Consumers remember the stamps they saw
	// so that a re-executed producer invalidates them.
	Stamp     string    `json:"stamp"`
	Completed time.Time `json:"completed"`

	Deps map[string]core.Fingerprint `json:"deps,omitempty"`
	// Targets is what the task produced. Freshness only requires targets to
	// exist; the fingerprints are kept for inspecting the ledger.
	Targets map[string]core.Fingerprint `json:"targets,omitempty"`
	Values  core.Values                 `json:"values,omitempty"`

	// Upstream maps every upstream task (groups expanded into members) to the
	// stamp it carried when this execution started.
	Upstream map[string]string `json:"upstream,omitempty"`

	// Checks holds what uptodate predicates observed.
	Checks map[string]string `json:"checks,omitempty"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Deps = cloneFingerprints(r.Deps)
	cp.Targets = cloneFingerprints(r.Targets)
	cp.Values = r.Values.Clone()
	cp.Upstream = cloneStrings(r.Upstream)
	cp.Checks = cloneStrings(r.Checks)
	return &cp
}

func cloneFingerprints(m map[string]core.Fingerprint) map[string]core.Fingerprint {
	if m == nil {
		return nil
	}
	out := make(map[string]core.Fingerprint, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
