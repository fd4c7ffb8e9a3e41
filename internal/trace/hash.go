package trace

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ComputeTraceHash hashes a canonical trace encoding (see
// ExecutionTrace.CanonicalJSON) as 16 hex digits of xxhash64.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	s := strconv.FormatUint(xxhash.Sum64(canonicalEncoding), 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
