package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"pipeweave/internal/core"
	"pipeweave/internal/dag"
	"pipeweave/internal/freshness"
)

// Task names and result keys of the racer pipeline.
const (
	TaskMkdirTemp       = "mkdir:temp"
	TaskMkdirOutput     = "mkdir:output"
	TaskMerge           = "merge"
	TaskPlotLapMerged   = "plot-lap-merged"
	TaskPlotSplitMerged = "plot-split-merged"

	RoleExtract   = "extract"
	RoleClean     = "clean"
	RoleHashcheck = "_hashcheck"
	RolePlotLap   = "plot-lap"
	RolePlotSplit = "plot-split"

	KeyRawData   = "raw_data"
	KeyCleanData = "clean_data"
	KeyHash      = "hash"

	mergedName = "remerged"
)

// Paths derived from the configuration, relative to the work dir.
func (c *Config) rawPath(id string) string   { return path.Join(c.TempDir, "raw-"+id+".json") }
func (c *Config) cleanPath(id string) string { return path.Join(c.TempDir, "clean-"+id+".json") }
func (c *Config) mergedPath() string         { return path.Join(c.TempDir, "merged.json") }
func (c *Config) plotPath(kind, name string) string {
	return path.Join(c.OutputDir, kind+"-"+name+".png")
}

// scriptDep lists script as a file dependency when it names a file rather
// than a program looked up on PATH.
func scriptDep(script string) []string {
	if filepath.Base(script) == script {
		return nil
	}
	return []string{script}
}

func deps(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Build registers the racer pipeline for ids and freezes the graph.
func Build(cfg *Config, store *core.ArtifactStore, ids []string) (*dag.Graph, error) {
	g := dag.NewGraph()

	for _, dir := range []struct{ name, path string }{
		{TaskMkdirTemp, cfg.TempDir},
		{TaskMkdirOutput, cfg.OutputDir},
	} {
		if err := g.Register(mkdirTask(dir.name, dir.path, store)); err != nil {
			return nil, err
		}
	}
	if err := g.RegisterGroup("mkdir", "Create a directory", []string{TaskMkdirTemp, TaskMkdirOutput}); err != nil {
		return nil, err
	}

	if _, err := g.ExpandFamily(cfg.racerFamily(store), ids); err != nil {
		return nil, err
	}

	for _, t := range cfg.mergedTasks() {
		if err := g.Register(t); err != nil {
			return nil, err
		}
	}

	if err := g.Freeze(); err != nil {
		return nil, err
	}
	return g, nil
}

func mkdirTask(name, dir string, store *core.ArtifactStore) core.Task {
	return core.Task{
		Name:    name,
		Doc:     "Create " + dir,
		Targets: []string{dir},
		Actions: []core.Action{core.Call("mkdir "+dir, func(context.Context, core.CallInput) (core.Values, error) {
			return nil, os.MkdirAll(store.Path(dir), 0o755)
		})},
		Uptodate: []core.Predicate{freshness.PathExists(dir)},
		Clean:    true,
	}
}

func (c *Config) racerFamily(store *core.ArtifactStore) dag.FamilyTemplate {
	raw := c.rawPath(dag.IDPlaceholder)
	clean := c.cleanPath(dag.IDPlaceholder)

	return dag.FamilyTemplate{Roles: []dag.Role{
		{
			Basename: RoleExtract,
			Doc:      "Extract data for a single racer",
			Task: core.Task{
				Doc:      "Extract racer " + dag.IDPlaceholder,
				FileDeps: deps(scriptDep(c.Scripts.Extract), []string{c.Dataset}),
				TaskDeps: []string{TaskMkdirTemp},
				Targets:  []string{raw},
				Actions: []core.Action{
					core.Command(c.command(c.Scripts.Extract, c.Dataset, "--name", dag.IDPlaceholder, raw)...).WithTimeout(c.ActionTimeout),
					resultAction(KeyRawData),
				},
				Clean: true,
			},
		},
		{
			Basename: RoleClean,
			Doc:      "Clean data for a single racer",
			Task: core.Task{
				Doc:      "Clean racer " + dag.IDPlaceholder,
				FileDeps: deps(scriptDep(c.Scripts.Clean), []string{raw}),
				Targets:  []string{clean},
				Actions: []core.Action{
					core.Command(c.command(c.Scripts.Clean, raw, clean)...).WithTimeout(c.ActionTimeout),
					resultAction(KeyCleanData),
				},
				Clean: true,
			},
		},
		{
			Basename: RoleHashcheck,
			Doc:      "Digest cleaned racer data",
			Task: core.Task{
				// merge only sees cleaned content through these digests.
				StrictHash: true,
				FileDeps:   []string{clean},
				Actions: []core.Action{core.Call("digest", func(_ context.Context, in core.CallInput) (core.Values, error) {
					d, err := store.Digest(in.Task.FileDeps[0])
					if err != nil {
						return nil, err
					}
					return core.Values{KeyHash: d}, nil
				})},
			},
		},
		{
			Basename: RolePlotLap,
			Doc:      "Plot single-racer lap times",
			Task:     c.plotTask(clean, dag.IDPlaceholder, "lap"),
		},
		{
			Basename: RolePlotSplit,
			Doc:      "Plot single-racer split times",
			Task:     c.plotTask(clean, dag.IDPlaceholder, "split"),
		},
	}}
}

func (c *Config) plotTask(in, name, kind string) core.Task {
	out := c.plotPath(kind, name)
	return core.Task{
		Doc:      fmt.Sprintf("Plot %s times of %s", kind, name),
		FileDeps: deps(scriptDep(c.Scripts.Plot), []string{in}),
		TaskDeps: []string{TaskMkdirOutput},
		Targets:  []string{out},
		Actions: []core.Action{
			core.Command(c.command(c.Scripts.Plot, in, out, "--type", kind)...).WithTimeout(c.ActionTimeout),
		},
		Clean: true,
	}
}

func (c *Config) mergedTasks() []core.Task {
	merged := c.mergedPath()

	merge := core.Task{
		Name:     TaskMerge,
		Doc:      "Re-merge the cleaned data",
		FileDeps: scriptDep(c.Scripts.Merge),
		TaskDeps: []string{RoleHashcheck, TaskMkdirTemp},
		Targets:  []string{merged},
		Actions: []core.Action{
			core.Command(c.command(c.Scripts.Merge, merged, "{racer_values}")...).WithTimeout(c.ActionTimeout),
		},
		Uptodate:   []core.Predicate{freshness.ResultDep(RoleHashcheck)},
		Getargs:    map[string]core.Binding{"racer_values": {Task: RoleClean, Key: KeyCleanData}},
		Clean:      true,
		StrictHash: true,
	}

	lap := c.plotTask(merged, mergedName, "lap")
	lap.Name = TaskPlotLapMerged
	lap.Doc = "Plot total lap time of the merged data"
	split := c.plotTask(merged, mergedName, "split")
	split.Name = TaskPlotSplitMerged
	split.Doc = "Plot split lap time of the merged data"

	return []core.Task{merge, lap, split}
}

// resultAction publishes the task's first target under key.
func resultAction(key string) core.Action {
	return core.Call("publish "+key, func(_ context.Context, in core.CallInput) (core.Values, error) {
		if len(in.Task.Targets) == 0 {
			return nil, fmt.Errorf("task %s has no target to publish", in.Task.Name)
		}
		return core.Values{key: in.Task.Targets[0]}, nil
	})
}
