package dag

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"pipeweave/internal/core"
)

// CleanOptions configures Clean.
type CleanOptions struct {
	// IncludeDeps also cleans the dependencies of the selected tasks.
	IncludeDeps bool
	// All cleans every task; the selection is ignored.
	All bool
	// DryRun reports what would be removed without touching anything.
	DryRun bool
}

// CleanResult lists what Clean did, or would do.
type CleanResult struct {
	Tasks     []string
	Removed   []string
	Kept      []string
	Forgotten []string
}

// Forgetter drops ledger records.
type Forgetter interface {
	Forget(names ...string) ([]string, error)
}

// Clean removes the targets of the selected tasks and of every task depending
// on them, for tasks marked Clean. Paths are removed deepest first; non-empty
// directories are kept. Cleaned tasks are forgotten so they run again.
func Clean(g *Graph, store *core.ArtifactStore, forgetter Forgetter, selected []string, opts CleanOptions, log *zap.Logger) (*CleanResult, error) {
	if err := g.Freeze(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("clean")

	tasks, err := g.cleanSelection(selected, opts)
	if err != nil {
		return nil, err
	}

	res := &CleanResult{}
	var paths []string
	for _, name := range tasks {
		t := g.tasks[name]
		if !t.Clean || len(t.Targets) == 0 {
			continue
		}
		res.Tasks = append(res.Tasks, name)
		paths = append(paths, t.Targets...)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := pathDepth(paths[i]), pathDepth(paths[j])
		if di != dj {
			return di > dj
		}
		return paths[i] > paths[j]
	})

	for _, p := range paths {
		if opts.DryRun {
			ok, err := store.Exists(p)
			if err != nil {
				return res, err
			}
			if ok {
				res.Removed = append(res.Removed, p)
			}
			continue
		}
		removed, err := store.Remove(p)
		if err != nil {
			return res, err
		}
		if removed {
			log.Info("removed", zap.String("path", p))
			res.Removed = append(res.Removed, p)
			continue
		}
		if ok, _ := store.Exists(p); ok {
			log.Info("kept non-empty directory", zap.String("path", p))
			res.Kept = append(res.Kept, p)
		}
	}

	if opts.DryRun || forgetter == nil || len(res.Tasks) == 0 {
		return res, nil
	}
	forgotten, err := forgetter.Forget(res.Tasks...)
	if err != nil {
		return res, fmt.Errorf("forgetting cleaned tasks: %w", err)
	}
	res.Forgotten = forgotten
	return res, nil
}

// cleanSelection expands selected into leaf tasks plus dependents (and
// dependencies with IncludeDeps), in declaration order.
func (g *Graph) cleanSelection(selected []string, opts CleanOptions) ([]string, error) {
	in := make([]bool, len(g.order))
	if opts.All {
		for i := range in {
			in[i] = true
		}
		return g.names(indicesOf(in)), nil
	}

	var stack []int
	push := func(i int) {
		if !in[i] {
			in[i] = true
			stack = append(stack, i)
		}
	}
	for _, s := range selected {
		if _, ok := g.index[s]; !ok {
			return nil, &UnknownTaskError{Ref: s}
		}
		for _, leaf := range g.Leaves(s) {
			push(g.index[leaf])
		}
		push(g.index[s])
	}
	seeds := indicesOf(in)

	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.dependents[u] {
			push(d)
		}
	}
	if opts.IncludeDeps {
		stack = append(stack, seeds...)
		for len(stack) > 0 {
			u := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, d := range g.deps[u] {
				if !in[d] {
					in[d] = true
					stack = append(stack, d)
				}
			}
		}
	}
	return g.names(indicesOf(in)), nil
}

func indicesOf(in []bool) []int {
	var out []int
	for i, ok := range in {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

func pathDepth(p string) int {
	return strings.Count(filepath.ToSlash(filepath.Clean(p)), "/")
}
