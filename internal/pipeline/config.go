package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"pipeweave/internal/dag"
	"pipeweave/internal/freshness"
	"pipeweave/internal/logging"
)

// DefaultConfigFile is looked up in the work dir when no --config is given.
const DefaultConfigFile = "pipeweave.yaml"

// Scripts are the external collaborators, relative to the work dir or on PATH.
type Scripts struct {
	Discover string `yaml:"discover"`
	Extract  string `yaml:"extract"`
	Clean    string `yaml:"clean"`
	Merge    string `yaml:"merge"`
	Plot     string `yaml:"plot"`
}

// LedgerConfig selects the freshness ledger backend.
type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the pipeweave.yaml document.
type Config struct {
	// WorkDir anchors every relative path. It is set by the caller, never read
	// from the file.
	WorkDir string `yaml:"-"`

	Dataset     string `yaml:"dataset"`
	TempDir     string `yaml:"temp_dir"`
	OutputDir   string `yaml:"output_dir"`
	Interpreter string `yaml:"interpreter"`

	Scripts Scripts `yaml:"scripts"`

	Jobs          int           `yaml:"jobs"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	Checker       string        `yaml:"checker"`
	DefaultTasks  []string      `yaml:"default_tasks"`

	Ledger      LedgerConfig `yaml:"ledger"`
	Log         LogConfig    `yaml:"log"`
	MetricsFile string       `yaml:"metrics_file"`
}

// ConfigError reports an unusable configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Is(target error) bool { return target == dag.ErrConfiguration }

func (e *ConfigError) Unwrap() error { return e.Err }

// LoadConfig reads path, rejecting unknown fields, then applies defaults and
// validates the result. Relative paths stay relative to workDir.
func LoadConfig(path, workDir string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	defer f.Close()

	cfg, err := ParseConfig(f)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg.WorkDir = workDir
	if err := cfg.Validate(); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes one YAML document and applies defaults. It does not
// validate.
func ParseConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.TempDir == "" {
		c.TempDir = "temp"
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.Jobs == 0 {
		c.Jobs = 1
	}
	if c.Checker == "" {
		c.Checker = string(freshness.CheckerContent)
	}
	if len(c.DefaultTasks) == 0 {
		c.DefaultTasks = []string{"plot*"}
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = freshness.BackendJSON
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.WorkDir == "" {
		add("work dir is required")
	} else if !filepath.IsAbs(c.WorkDir) {
		add("work dir must be absolute (got %q)", c.WorkDir)
	}
	if strings.TrimSpace(c.Dataset) == "" {
		add("dataset is required")
	}
	for _, s := range []struct{ key, val string }{
		{"scripts.discover", c.Scripts.Discover},
		{"scripts.extract", c.Scripts.Extract},
		{"scripts.clean", c.Scripts.Clean},
		{"scripts.merge", c.Scripts.Merge},
		{"scripts.plot", c.Scripts.Plot},
	} {
		if strings.TrimSpace(s.val) == "" {
			add("%s is required", s.key)
		}
	}
	if filepath.Clean(c.TempDir) == filepath.Clean(c.OutputDir) {
		add("temp_dir and output_dir must differ")
	}
	if c.Jobs < 1 {
		add("jobs must be at least 1 (got %d)", c.Jobs)
	}
	if c.ActionTimeout < 0 {
		add("action_timeout must not be negative")
	}
	if _, err := freshness.ParseChecker(c.Checker); err != nil {
		errs = multierr.Append(errs, err)
	}
	switch c.Ledger.Backend {
	case freshness.BackendJSON, freshness.BackendBolt:
	default:
		add("ledger.backend must be %q or %q (got %q)", freshness.BackendJSON, freshness.BackendBolt, c.Ledger.Backend)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, p := range c.DefaultTasks {
		if !doublestar.ValidatePattern(p) {
			add("default_tasks: invalid pattern %q", p)
		}
	}

	if errs != nil {
		return &ConfigError{Err: errs}
	}
	return nil
}

// LedgerPath is where the ledger lives, resolved against the work dir.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path == "" {
		return freshness.DefaultPath(c.WorkDir, c.Ledger.Backend)
	}
	return c.Abs(c.Ledger.Path)
}

// Abs resolves p against the work dir.
func (c *Config) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// command prefixes script with the interpreter, if any.
func (c *Config) command(script string, args ...string) []string {
	argv := strings.Fields(c.Interpreter)
	argv = append(argv, script)
	return append(argv, args...)
}
