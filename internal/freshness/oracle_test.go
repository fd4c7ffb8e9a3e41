package freshness

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipeweave/internal/core"
)

type fakeTopology struct {
	deps    map[string][]string
	members map[string][]string
}

func (f fakeTopology) Deps(name string) []string    { return f.deps[name] }
func (f fakeTopology) Members(name string) []string { return f.members[name] }

type oracleFixture struct {
	dir    string
	oracle *Oracle
	ledger *Ledger
}

func newOracleFixture(t *testing.T, topo Topology, checker Checker) *oracleFixture {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(NewJSONBackend(DefaultPath(dir, BackendJSON)), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return &oracleFixture{dir: dir, ledger: l, oracle: NewOracle(core.NewArtifactStore(dir), l, topo, checker, zap.NewNop())}
}

func (f *oracleFixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// runOnce checks task, asserts it is stale and records a success.
func (f *oracleFixture) runOnce(t *testing.T, task *core.Task, values core.Values) {
	t.Helper()
	d, err := f.oracle.Check(task)
	require.NoError(t, err)
	require.True(t, d.Stale, "expected %s to be stale", task.Name)
	require.NoError(t, f.oracle.RecordSuccess(task, values, d))
}

func (f *oracleFixture) check(t *testing.T, task *core.Task) Decision {
	t.Helper()
	d, err := f.oracle.Check(task)
	require.NoError(t, err)
	return d
}

func TestCheck_NeverRunThenFresh(t *testing.T) {
	f := newOracleFixture(t, nil, CheckerContent)
	f.write(t, "in.txt", "raw")
	f.write(t, "out.txt", "derived")
	task := &core.Task{Name: "clean:A", FileDeps: []string{"in.txt"}, Targets: []string{"out.txt"}}

	d := f.check(t, task)
	assert.True(t, d.Stale)
	assert.Equal(t, "never run", d.Reason)

	require.NoError(t, f.oracle.RecordSuccess(task, core.Values{"clean_data": "out.txt"}, d))

	d = f.check(t, task)
	assert.False(t, d.Stale)
	assert.Equal(t, "up to date", d.Reason)

	vals, ok := f.oracle.Values("clean:A")
	require.True(t, ok)
	assert.Equal(t, "out.txt", vals["clean_data"])
}

func TestRecordSuccess_FingerprintsTargets(t *testing.T) {
	f := newOracleFixture(t, nil, CheckerContent)
	f.write(t, "in.txt", "raw")
	f.write(t, "out.txt", "derived")
	task := &core.Task{Name: "t", FileDeps: []string{"in.txt"}, Targets: []string{"out.txt", "never.txt"}}

	d := f.check(t, task)
	require.NoError(t, f.oracle.RecordSuccess(task, nil, d))

	rec, ok := f.ledger.Get("t")
	require.True(t, ok)
	want, err := core.NewArtifactStore(f.dir).Digest("out.txt")
	require.NoError(t, err)
	require.Contains(t, rec.Targets, "out.txt")
	assert.Equal(t, want, rec.Targets["out.txt"].Digest)
	assert.EqualValues(t, len("derived"), rec.Targets["out.txt"].Size)
	assert.NotContains(t, rec.Targets, "never.txt")

	// Editing a target in place does not make the task stale.
	f.write(t, "out.txt", "edited by hand")
	assert.False(t, f.check(t, task).Stale)
}

func TestCheck_MissingTargetIsStale(t *testing.T) {
	f := newOracleFixture(t, nil, CheckerContent)
	f.write(t, "in.txt", "raw")
	f.write(t, "out.txt", "derived")
	task := &core.Task{Name: "t", FileDeps: []string{"in.txt"}, Targets: []string{"out.txt"}}
	f.runOnce(t, task, nil)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "out.txt")))
	d := f.check(t, task)
	assert.True(t, d.Stale)
	assert.Equal(t, "target out.txt missing", d.Reason)
}

func TestCheck_DependencyContentDecides(t *testing.T) {
	f := newOracleFixture(t, nil, CheckerContent)
	f.write(t, "in.txt", "raw")
	task := &core.Task{Name: "t", FileDeps: []string{"in.txt"}}
	f.runOnce(t, task, nil)

	// Same bytes with a new mtime: content is unchanged.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.dir, "in.txt"), later, later))
	assert.False(t, f.check(t, task).Stale)

	f.write(t, "in.txt", "changed")
	d := f.check(t, task)
	assert.True(t, d.Stale)
	assert.Equal(t, "file dependency in.txt changed", d.Reason)
}

func TestCheck_StrictHashIgnoresMtimeShortCircuit(t *testing.T) {
	for _, tc := range []struct {
		name    string
		checker Checker
		strict  bool
		stale   bool
	}{
		{name: "content checker trusts mtime", checker: CheckerContent, stale: false},
		{name: "strict task rehashes", checker: CheckerContent, strict: true, stale: true},
		{name: "strict checker rehashes", checker: CheckerStrict, stale: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newOracleFixture(t, nil, tc.checker)
			f.write(t, "in.txt", "aaa")
			task := &core.Task{Name: "t", FileDeps: []string{"in.txt"}, StrictHash: tc.strict}
			f.runOnce(t, task, nil)

			path := filepath.Join(f.dir, "in.txt")
			info, err := os.Stat(path)
			require.NoError(t, err)
			f.write(t, "in.txt", "bbb")
			require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

			assert.Equal(t, tc.stale, f.check(t, task).Stale)
		})
	}
}

func TestCheck_MissingFileDependencyIsStale(t *testing.T) {
	f := newOracleFixture(t, nil, CheckerContent)
	f.write(t, "in.txt", "raw")
	task := &core.Task{Name: "t", FileDeps: []string{"in.txt"}}
	f.runOnce(t, task, nil)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "in.txt")))
	d := f.check(t, task)
	assert.True(t, d.Stale)
	assert.Equal(t, "file dependency in.txt missing", d.Reason)
}

func TestCheck_NoDependenciesAlwaysRuns(t *testing.T) {
	f := newOracleFixture(t, nil, CheckerContent)
	task := &core.Task{Name: "echo"}
	f.runOnce(t, task, nil)

	d := f.check(t, task)
	assert.True(t, d.Stale)
	assert.Equal(t, "no dependencies", d.Reason)
}

func TestCheck_UpstreamReexecutionInvalidatesConsumer(t *testing.T) {
	topo := fakeTopology{
		deps:    map[string][]string{"merge": {"clean"}},
		members: map[string][]string{"clean": {"clean:A", "clean:B"}},
	}
	f := newOracleFixture(t, topo, CheckerContent)
	f.write(t, "a.json", "A")
	f.write(t, "b.json", "B")
	f.write(t, "merged.json", "AB")

	cleanA := &core.Task{Name: "clean:A", Targets: []string{"a.json"}}
	cleanB := &core.Task{Name: "clean:B", Targets: []string{"b.json"}}
	merge := &core.Task{Name: "merge", FileDeps: []string{"a.json", "b.json"}, Targets: []string{"merged.json"}}
	f.runOnce(t, cleanA, nil)
	f.runOnce(t, cleanB, nil)
	f.runOnce(t, merge, nil)
	assert.False(t, f.check(t, merge).Stale)

	// clean:A runs again and rewrites identical content.
	f.runOnce(t, &core.Task{Name: "clean:A", Targets: []string{"a.json", "missing-to-force-run"}}, nil)
	d := f.check(t, merge)
	assert.True(t, d.Stale)
	assert.Equal(t, "upstream clean:A re-executed", d.Reason)
}

func TestCheck_PredicatesAreOredIntoStale(t *testing.T) {
	f := newOracleFixture(t, nil, CheckerContent)
	f.write(t, "temp/.keep", "")
	task := &core.Task{Name: "mkdir:temp", Targets: []string{"temp"}, Uptodate: []core.Predicate{PathExists("temp")}}
	f.runOnce(t, task, nil)
	assert.False(t, f.check(t, task).Stale)

	// One unsatisfied predicate among satisfied ones is enough.
	task.Uptodate = append(task.Uptodate, Constant(false), Constant(true))
	d := f.check(t, task)
	assert.True(t, d.Stale)
	assert.Equal(t, "uptodate constant false not satisfied", d.Reason)

	// A predicate that errors counts as unsatisfied.
	task.Uptodate = []core.Predicate{Func("boom", func(core.CheckEnv) (bool, error) { return true, errors.New("unavailable") })}
	d = f.check(t, task)
	assert.True(t, d.Stale)
	assert.Equal(t, "uptodate boom: unavailable", d.Reason)
}

func TestResultDep_TracksGroupValues(t *testing.T) {
	topo := fakeTopology{members: map[string][]string{"_hashcheck": {"_hashcheck:A", "_hashcheck:B"}}}
	f := newOracleFixture(t, topo, CheckerContent)
	f.write(t, "merged.json", "AB")

	hashA := &core.Task{Name: "_hashcheck:A"}
	hashB := &core.Task{Name: "_hashcheck:B"}
	f.runOnce(t, hashA, core.Values{"hash": "1"})
	f.runOnce(t, hashB, core.Values{"hash": "2"})

	merge := &core.Task{Name: "merge", Targets: []string{"merged.json"}, Uptodate: []core.Predicate{ResultDep("_hashcheck")}}
	f.runOnce(t, merge, nil)
	assert.False(t, f.check(t, merge).Stale)

	// Same value again keeps merge fresh.
	f.runOnce(t, hashA, core.Values{"hash": "1"})
	assert.False(t, f.check(t, merge).Stale)

	f.runOnce(t, hashA, core.Values{"hash": "changed"})
	d := f.check(t, merge)
	assert.True(t, d.Stale)
	assert.Equal(t, "uptodate result-dep _hashcheck not satisfied", d.Reason)
}

func TestOracle_ResultsAndForgetExpandGroups(t *testing.T) {
	topo := fakeTopology{members: map[string][]string{"clean": {"clean:B", "clean:A"}}}
	f := newOracleFixture(t, topo, CheckerContent)
	f.runOnce(t, &core.Task{Name: "clean:A"}, core.Values{"clean_data": "a"})
	f.runOnce(t, &core.Task{Name: "clean:B"}, core.Values{"clean_data": "b"})

	assert.Equal(t, map[string]core.Values{
		"clean:A": {"clean_data": "a"},
		"clean:B": {"clean_data": "b"},
	}, f.oracle.Results("clean"))

	removed, err := f.oracle.Forget("clean")
	require.NoError(t, err)
	assert.Equal(t, []string{"clean:A", "clean:B"}, removed)
	assert.Empty(t, f.oracle.Results("clean"))
}

func TestParseChecker(t *testing.T) {
	c, err := ParseChecker("")
	require.NoError(t, err)
	assert.Equal(t, CheckerContent, c)

	c, err = ParseChecker("strict")
	require.NoError(t, err)
	assert.Equal(t, CheckerStrict, c)

	_, err = ParseChecker("md5")
	assert.Error(t, err)
}
