package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipeweave/internal/core"
	"pipeweave/internal/pipeline"
)

func testSession(t *testing.T) *pipeline.Session {
	t.Helper()
	dir := t.TempDir()
	cfg := &pipeline.Config{
		WorkDir: dir,
		Dataset: "data/laps.csv",
		Scripts: pipeline.Scripts{
			Discover: "scripts/discover.sh",
			Extract:  "scripts/extract.sh",
			Clean:    "scripts/clean.sh",
			Merge:    "scripts/merge.sh",
			Plot:     "scripts/plot.sh",
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	store := core.NewArtifactStore(dir)
	g, err := pipeline.Build(cfg, store, []string{"A", "B"})
	require.NoError(t, err)
	return &pipeline.Session{Config: cfg, IDs: []string{"A", "B"}, Graph: g, Store: store}
}

func TestWatchedInputs_ExcludeProducedFiles(t *testing.T) {
	s := testSession(t)
	dir := s.Config.WorkDir

	got, err := watchedInputs(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "data/laps.csv"),
		filepath.Join(dir, "scripts/clean.sh"),
		filepath.Join(dir, "scripts/extract.sh"),
		filepath.Join(dir, "scripts/merge.sh"),
		filepath.Join(dir, "scripts/plot.sh"),
	}, got)

	got, err = watchedInputs(s, []string{"extract:A"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "data/laps.csv"),
		filepath.Join(dir, "scripts/extract.sh"),
	}, got)

	_, err = watchedInputs(s, []string{"nope"})
	require.Error(t, err)
}

func TestWaitForChange_ReportsChangedFile(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "laps.csv")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(watched, []byte("A\n"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		// Keep writing until the watcher reports: it may not be registered
		// yet when the first write lands.
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-tick.C:
				_ = os.WriteFile(other, []byte{byte(i)}, 0o644)
				if i%4 == 3 {
					_ = os.WriteFile(watched, []byte{'A', byte(i)}, 0o644)
				}
			}
		}
	}()

	changed, err := waitForChange(ctx, []string{watched}, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{watched}, changed)
}

func TestWaitForChange_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "laps.csv")
	require.NoError(t, os.WriteFile(watched, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	changed, err := waitForChange(ctx, []string{watched}, time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = waitForChange(ctx, nil, time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, changed)
}
