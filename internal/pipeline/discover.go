package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pipeweave/internal/core"
	"pipeweave/internal/dag"
)

// ErrNoEntities is returned when discovery prints no identifiers.
var ErrNoEntities = errors.New("discovery produced no identifiers")

// DiscoveryError wraps a failed discovery step. It is a configuration error:
// without identifiers no graph can be built.
type DiscoveryError struct {
	Command string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %q: %v", e.Command, e.Err)
}

func (e *DiscoveryError) Is(target error) bool { return target == dag.ErrConfiguration }

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Execer runs one external command.
type Execer interface {
	Exec(ctx context.Context, spec core.ExecSpec) (*core.CommandResult, error)
}

// Discover runs the discovery script against the dataset and returns the
// entity identifiers it prints, in first-seen order.
func Discover(ctx context.Context, ex Execer, cfg *Config, log *zap.Logger) ([]string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	argv := cfg.command(cfg.Scripts.Discover, cfg.Dataset)
	command := strings.Join(argv, " ")
	res, err := ex.Exec(ctx, core.ExecSpec{Argv: argv, Timeout: cfg.ActionTimeout})
	if err != nil {
		return nil, &DiscoveryError{Command: command, Err: err}
	}
	ids := ParseIdentifiers(res.Stdout)
	if len(ids) == 0 {
		return nil, &DiscoveryError{Command: command, Err: ErrNoEntities}
	}
	for _, id := range ids {
		if strings.ContainsAny(id, ":/\\") {
			return nil, &DiscoveryError{Command: command, Err: fmt.Errorf("identifier %q contains a path or task separator", id)}
		}
	}
	log.Named("discovery").Debug("entities discovered",
		zap.Int("count", len(ids)),
		zap.Strings("ids", ids))
	return ids, nil
}

// ParseIdentifiers splits discovery output into identifiers: one per line,
// surrounding whitespace trimmed, blank lines and repeats dropped.
func ParseIdentifiers(out []byte) []string {
	var ids []string
	seen := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		id := strings.TrimSpace(sc.Text())
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
