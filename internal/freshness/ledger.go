package freshness

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	BackendJSON = "json"
	BackendBolt = "bolt"
)

// Backend persists ledger records.
type Backend interface {
	// Load returns every stored record. A missing store is empty, not an error.
	// An undecodable store yields *LedgerCorruptionError.
	Load() (map[string]*Record, error)

	// Commit persists changes. all is the complete post-change record set;
	// put and removed name what changed.
	Commit(all map[string]*Record, put map[string]*Record, removed []string) error

	// Quarantine moves a corrupt store aside and returns its new location.
	Quarantine() (string, error)

	Close() error
}

// OpenBackend returns the backend of the given kind storing under path.
func OpenBackend(kind, path string) (Backend, error) {
	switch kind {
	case "", BackendJSON:
		return NewJSONBackend(path), nil
	case BackendBolt:
		return NewBoltBackend(path), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", kind)
	}
}

// DefaultPath returns the conventional ledger location under workDir.
func DefaultPath(workDir, kind string) string {
	name := "ledger.json"
	if kind == BackendBolt {
		name = "ledger.db"
	}
	return filepath.Join(workDir, ".pipeweave", name)
}

// Ledger is the in-memory view of persisted records. It is safe for
// concurrent use; writes go straight through to the backend.
type Ledger struct {
	mu      sync.Mutex
	backend Backend
	records map[string]*Record
	loadErr error
	log     *zap.Logger
}

// Open loads the ledger from backend.
//
// A corrupt store is logged, moved aside and replaced by an empty ledger, so
// every task is considered stale; LoadError reports what happened.
func Open(backend Backend, log *zap.Logger) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("nil ledger backend")
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{backend: backend, log: log.Named("ledger")}

	records, err := backend.Load()
	if err != nil {
		var corrupt *LedgerCorruptionError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		l.loadErr = err
		l.log.Warn("ledger unreadable, treating every task as stale", zap.Error(err))
		if moved, qerr := backend.Quarantine(); qerr != nil {
			l.log.Warn("could not move corrupt ledger aside", zap.Error(qerr))
		} else if moved != "" {
			l.log.Info("corrupt ledger moved aside", zap.String("path", moved))
		}
		records = nil
	}
	if records == nil {
		records = map[string]*Record{}
	}
	l.records = records
	return l, nil
}

// LoadError returns the corruption recovered from while opening, if any.
func (l *Ledger) LoadError() error {
	return l.loadErr
}

// Get returns a copy of the record stored for name.
func (l *Ledger) Get(name string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[name]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Stamp returns the execution stamp recorded for name, or "".
func (l *Ledger) Stamp(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[name]; ok {
		return r.Stamp
	}
	return ""
}

// Put stores rec under name and persists it.
func (l *Ledger) Put(name string, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("nil record for %q", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, hadPrev := l.records[name]
	stored := rec.clone()
	l.records[name] = stored
	if err := l.backend.Commit(l.records, map[string]*Record{name: stored}, nil); err != nil {
		if hadPrev {
			l.records[name] = prev
		} else {
			delete(l.records, name)
		}
		return fmt.Errorf("persisting record for %q: %w", name, err)
	}
	return nil
}

// Forget drops the records of names and returns those that existed.
func (l *Ledger) Forget(names ...string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := make([]string, 0, len(names))
	prev := make(map[string]*Record, len(names))
	for _, n := range names {
		if r, ok := l.records[n]; ok {
			prev[n] = r
			delete(l.records, n)
			removed = append(removed, n)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	sort.Strings(removed)
	if err := l.backend.Commit(l.records, nil, removed); err != nil {
		for n, r := range prev {
			l.records[n] = r
		}
		return nil, fmt.Errorf("forgetting %d records: %w", len(removed), err)
	}
	return removed, nil
}

// Names returns the names of every recorded task, sorted.
func (l *Ledger) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.records))
	for n := range l.records {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Close releases the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}
