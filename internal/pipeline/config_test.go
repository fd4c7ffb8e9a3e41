package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"pipeweave/internal/dag"
	"pipeweave/internal/freshness"
)

const sampleConfig = `
dataset: data/laps.csv
interpreter: sh
scripts:
  discover: scripts/discover.sh
  extract: scripts/extract.sh
  clean: scripts/clean.sh
  merge: scripts/merge.sh
  plot: scripts/plot.sh
jobs: 4
action_timeout: 30s
ledger:
  backend: bolt
`

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "data/laps.csv", cfg.Dataset)
	assert.Equal(t, "temp", cfg.TempDir)
	assert.Equal(t, "output", cfg.OutputDir)
	assert.Equal(t, 4, cfg.Jobs)
	assert.Equal(t, 30*time.Second, cfg.ActionTimeout)
	assert.Equal(t, string(freshness.CheckerContent), cfg.Checker)
	assert.Equal(t, []string{"plot*"}, cfg.DefaultTasks)
	assert.Equal(t, freshness.BackendBolt, cfg.Ledger.Backend)
}

func TestParseConfig_EmptyDocumentGetsDefaults(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Jobs)
	assert.Equal(t, freshness.BackendJSON, cfg.Ledger.Backend)
}

func TestParseConfig_RejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("dataset: x\nparallel: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallel")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader("jobs: -1\nchecker: md5\nledger:\n  backend: sqlite\n"))
	require.NoError(t, err)
	cfg.WorkDir = "relative"

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, dag.ErrConfiguration))

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	// work dir, dataset, five scripts, jobs, checker, backend
	assert.Len(t, multierr.Errors(ce.Err), 10)
	for _, want := range []string{"work dir", "dataset", "scripts.merge", "jobs", "md5", "sqlite"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_SameTempAndOutputDir(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(sampleConfig + "temp_dir: build\noutput_dir: ./build\n"))
	require.NoError(t, err)
	cfg.WorkDir = t.TempDir()
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(path, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.WorkDir)
	assert.Equal(t, filepath.Join(dir, ".pipeweave", "ledger.db"), cfg.LedgerPath())
	assert.Equal(t, filepath.Join(dir, "data/laps.csv"), cfg.Abs(cfg.Dataset))

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"), dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dag.ErrConfiguration))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestConfig_CommandPrefixesInterpreter(t *testing.T) {
	cfg := &Config{Interpreter: "python3 -u"}
	assert.Equal(t, []string{"python3", "-u", "plot.py", "in", "out"}, cfg.command("plot.py", "in", "out"))

	cfg.Interpreter = ""
	assert.Equal(t, []string{"plot.py", "in"}, cfg.command("plot.py", "in"))
}
