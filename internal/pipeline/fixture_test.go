package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipeweave/internal/dag"
)

// Fake collaborators. Every script runs under sh from the work dir.
var fakeScripts = map[string]string{
	"scripts/discover.sh": `cut -d, -f1 "$1"
`,
	"scripts/extract.sh": `# <dataset> --name <id> <out>
if [ -f fail-id ] && [ "$3" = "$(cat fail-id)" ]; then
  echo "no rows for $3" >&2
  exit 3
fi
grep "^$3," "$1" > "$4"
`,
	"scripts/clean.sh": `tr a-z A-Z < "$1" > "$2"
`,
	"scripts/merge.sh": `out=$1
shift
cat "$@" > "$out"
`,
	"scripts/plot.sh": `# <in> <out> --type <kind>
{ echo "$4"; cat "$1"; } > "$2"
`,
}

const fakeDataset = "A,lap1,61.2\nB,lap1,63.0\nA,lap2,60.8\nB,lap2,62.1\n"

type fixture struct {
	dir string
	cfg *Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir}
	for rel, body := range fakeScripts {
		f.write(t, rel, body)
	}
	f.write(t, "data/laps.csv", fakeDataset)

	cfg := &Config{
		WorkDir:     dir,
		Dataset:     "data/laps.csv",
		Interpreter: "sh",
		Scripts: Scripts{
			Discover: "scripts/discover.sh",
			Extract:  "scripts/extract.sh",
			Clean:    "scripts/clean.sh",
			Merge:    "scripts/merge.sh",
			Plot:     "scripts/plot.sh",
		},
		Jobs: 4,
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	f.cfg = cfg
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(f.dir, rel))
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.dir, rel))
	return err == nil
}

// open behaves like a fresh invocation.
func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), f.cfg, SessionOptions{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (f *fixture) run(t *testing.T, patterns ...string) *dag.Report {
	t.Helper()
	s := f.open(t)
	report, err := s.Run(context.Background(), patterns)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return report
}

func executed(r *dag.Report) []string {
	out := append([]string{}, r.ExecutionOrder...)
	sort.Strings(out)
	return out
}
