package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pipeweave/internal/core"
	"pipeweave/internal/dag"
	"pipeweave/internal/freshness"
)

// Session is one loaded pipeline: discovered entities, the frozen graph and
// the freshness state it is checked against.
type Session struct {
	Config  *Config
	IDs     []string
	Graph   *dag.Graph
	Store   *core.ArtifactStore
	Invoker *core.Invoker
	Ledger  *freshness.Ledger
	Oracle  *freshness.Oracle

	log *zap.Logger
}

// SessionOptions configures Open.
type SessionOptions struct {
	Logger *zap.Logger

	// ActionObserver is attached to the invoker.
	ActionObserver core.ActionObserver
}

// Open runs discovery, builds the graph and loads the ledger.
func Open(ctx context.Context, cfg *Config, opts SessionOptions) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	checker, err := freshness.ParseChecker(cfg.Checker)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	inv := core.NewInvoker(cfg.WorkDir, log)
	inv.Timeout = cfg.ActionTimeout
	inv.Observer = opts.ActionObserver

	ids, err := Discover(ctx, inv, cfg, log)
	if err != nil {
		return nil, err
	}
	store := core.NewArtifactStore(cfg.WorkDir)
	g, err := Build(cfg, store, ids)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	backend, err := freshness.OpenBackend(cfg.Ledger.Backend, cfg.LedgerPath())
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	ledger, err := freshness.Open(backend, log)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	log.Info("pipeline loaded",
		zap.Int("entities", len(ids)),
		zap.Int("tasks", g.Len()),
		zap.String("graph_hash", g.Hash().String()))

	return &Session{
		Config:  cfg,
		IDs:     ids,
		Graph:   g,
		Store:   store,
		Invoker: inv,
		Ledger:  ledger,
		Oracle:  freshness.NewOracle(store, ledger, g, checker, log),
		log:     log,
	}, nil
}

// Select expands task patterns into task names; no patterns selects the
// configured default tasks.
func (s *Session) Select(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = s.Config.DefaultTasks
	}
	return s.Graph.Match(patterns)
}

// Executor returns an executor over the session graph.
func (s *Session) Executor(observers ...dag.Observer) (*dag.Executor, error) {
	return dag.NewExecutor(s.Graph, s.Oracle, s.Invoker, dag.Options{
		Jobs:      s.Config.Jobs,
		Logger:    s.log,
		Observers: observers,
	})
}

// Run executes the tasks selected by patterns.
func (s *Session) Run(ctx context.Context, patterns []string, observers ...dag.Observer) (*dag.Report, error) {
	targets, err := s.Select(patterns)
	if err != nil {
		return nil, err
	}
	x, err := s.Executor(observers...)
	if err != nil {
		return nil, err
	}
	return x.Run(ctx, targets)
}

// Clean removes the targets of the selected tasks, the default tasks when no
// patterns are given. opts.All ignores the selection.
func (s *Session) Clean(patterns []string, opts dag.CleanOptions) (*dag.CleanResult, error) {
	var selected []string
	if !opts.All {
		var err error
		if selected, err = s.Select(patterns); err != nil {
			return nil, err
		}
	}
	return dag.Clean(s.Graph, s.Store, s.Oracle, selected, opts, s.log)
}

// Forget drops the ledger records of the selected tasks, the default tasks
// when no patterns are given. all drops every record, including those of
// tasks no longer in the graph.
func (s *Session) Forget(patterns []string, all bool) ([]string, error) {
	if all {
		return s.Ledger.Forget(s.Ledger.Names()...)
	}
	selected, err := s.Select(patterns)
	if err != nil {
		return nil, err
	}
	return s.Oracle.Forget(selected...)
}

// Close releases the ledger.
func (s *Session) Close() error {
	return s.Ledger.Close()
}
