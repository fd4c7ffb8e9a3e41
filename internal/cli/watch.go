package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pipeweave/internal/pipeline"
)

func (a *app) newWatchCommand() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch [task|pattern...]",
		Short: "Run tasks, then run them again whenever one of their inputs changes",
		Long: "Run the selected tasks, then watch every file dependency not produced by\n" +
			"another task (dataset, scripts) and rerun on change. Stops on interrupt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debounce < 0 {
				return invalidInvocationf("--debounce must not be negative")
			}
			return a.withRuntime(cmd, func(rt *runtime) error {
				return a.watch(cmd.Context(), rt, args, debounce)
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 300*time.Millisecond, "quiet period after a change before rerunning")
	return cmd
}

func (a *app) watch(ctx context.Context, rt *runtime, patterns []string, debounce time.Duration) error {
	log := rt.log.Named("watch")
	for {
		// Discovery runs again every round: a changed dataset may add racers.
		s, err := rt.open(ctx)
		if err != nil {
			return err
		}
		runErr := a.runOnce(ctx, rt, s, patterns)
		inputs, inErr := watchedInputs(s, patterns)
		_ = s.Close()

		if ctx.Err() != nil {
			return nil
		}
		var graphErr *GraphFailureError
		if runErr != nil && !errors.As(runErr, &graphErr) {
			return runErr
		}
		if inErr != nil {
			return inErr
		}
		if err := rt.flush(); err != nil {
			log.Warn("could not write metrics", zap.Error(err))
		}

		log.Info("watching inputs", zap.Int("files", len(inputs)))
		changed, err := waitForChange(ctx, inputs, debounce, log)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		fmt.Fprintf(a.stdout, "changed: %s\n", strings.Join(changed, ", "))
	}
}

// watchedInputs returns the absolute paths of every file dependency of the
// selected tasks that no task produces.
func watchedInputs(s *pipeline.Session, patterns []string) ([]string, error) {
	targets, err := s.Select(patterns)
	if err != nil {
		return nil, err
	}
	order, err := s.Graph.ResolveOrder(targets)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, name := range order {
		t, _ := s.Graph.Task(name)
		for _, dep := range t.FileDeps {
			if _, produced := s.Graph.Producer(dep); produced {
				continue
			}
			p := s.Store.Path(dep)
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// waitForChange blocks until one of files is written, created, renamed or
// removed and then stays quiet for debounce. It returns the changed files,
// or nothing when ctx ends first.
func waitForChange(ctx context.Context, files []string, debounce time.Duration, log *zap.Logger) ([]string, error) {
	if len(files) == 0 {
		<-ctx.Done()
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	wanted := map[string]bool{}
	dirs := map[string]bool{}
	for _, f := range files {
		wanted[filepath.Clean(f)] = true
		dirs[filepath.Dir(f)] = true
	}
	// Editors replace files by rename, so the directory is watched rather
	// than the file.
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	changed := map[string]bool{}
	var quiet <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			name := filepath.Clean(ev.Name)
			if !wanted[name] || ev.Op&relevant == 0 {
				continue
			}
			log.Debug("input changed", zap.String("path", name), zap.Stringer("op", ev.Op))
			changed[name] = true
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			quiet = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			log.Warn("watch error", zap.Error(err))
		case <-quiet:
			out := make([]string, 0, len(changed))
			for f := range changed {
				out = append(out, f)
			}
			sort.Strings(out)
			return out, nil
		}
	}
}
