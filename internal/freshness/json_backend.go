package freshness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const ledgerFormatVersion = 1

type ledgerFile struct {
	Version int                `json:"version"`
	Tasks   map[string]*Record `json:"tasks"`
}

// JSONBackend stores the whole ledger as one JSON document that is replaced
// atomically on every commit.
type JSONBackend struct {
	path string
}

func NewJSONBackend(path string) *JSONBackend {
	return &JSONBackend{path: path}
}

func (b *JSONBackend) Load() (map[string]*Record, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]*Record{}, nil
		}
		return nil, &LedgerCorruptionError{Path: b.path, Err: err}
	}

	var file ledgerFile
	if err := decodeStrict(data, &file); err != nil {
		return nil, &LedgerCorruptionError{Path: b.path, Err: err}
	}
	if file.Version != ledgerFormatVersion {
		return nil, &LedgerCorruptionError{Path: b.path, Err: fmt.Errorf("unsupported version %d", file.Version)}
	}
	if file.Tasks == nil {
		file.Tasks = map[string]*Record{}
	}
	for name, rec := range file.Tasks {
		if rec == nil {
			return nil, &LedgerCorruptionError{Path: b.path, Err: fmt.Errorf("null record for %q", name)}
		}
	}
	return file.Tasks, nil
}

func (b *JSONBackend) Commit(all map[string]*Record, _ map[string]*Record, _ []string) error {
	data, err := jsonMarshalStable(ledgerFile{Version: ledgerFormatVersion, Tasks: all})
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("ensure ledger dir: %w", err)
	}
	if err := renameio.WriteFile(b.path, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func (b *JSONBackend) Quarantine() (string, error) {
	dst := b.path + ".corrupt"
	if err := os.Rename(b.path, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return dst, nil
}

func (b *JSONBackend) Close() error { return nil }

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}
