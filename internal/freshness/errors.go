package freshness

import (
	"errors"
	"fmt"
)

var ErrLedgerCorrupt = errors.New("freshness ledger corrupt")

// LedgerCorruptionError reports a ledger that exists but cannot be read or
// decoded.
type LedgerCorruptionError struct {
	Path string
	Err  error
}

func (e *LedgerCorruptionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("freshness ledger %s is unreadable: %v", e.Path, e.Err)
}

func (e *LedgerCorruptionError) Is(target error) bool { return target == ErrLedgerCorrupt }

func (e *LedgerCorruptionError) Unwrap() error { return e.Err }
