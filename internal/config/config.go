// Package config builds the engine's immutable configuration record.
//
// A Config is constructed once, by flag parsing overlaid on an optional YAML
// file, and is never mutated afterward. It is handed to every worker and the
// driver by value/pointer before the pool starts, replacing the global-flags
// pattern with a record that is safe to read from any goroutine without
// synchronization.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, immutable set of options governing one engine run.
//
// From SPEC_FULL.md section 6 (External Interfaces), every field here
// corresponds to one recognized CLI option; fields are never mutated after
// the record is built.
type Config struct {
	Script string `yaml:"-"`
	Input  string `yaml:"-"`
	Output string `yaml:"output"`

	NumThreads     int           `yaml:"num_threads"`
	CleanupThreads int           `yaml:"cleanup_threads"`
	MaxUnprocessed int           `yaml:"max_queue"`
	PollDelay      time.Duration `yaml:"poll_delay"`
	MaxTreeDepth   int           `yaml:"max_tree_depth"`

	Timeout time.Duration `yaml:"timeout"`
	Limits  []ResourceLimit `yaml:"limits"`

	NoTerminate bool `yaml:"no_terminate"`
	TermSignal  int  `yaml:"term_signal"`

	InheritStdout bool `yaml:"inherit_stdout"`
	InheritStderr bool `yaml:"inherit_stderr"`

	NoVerify bool `yaml:"noverify"`
	Stable   bool `yaml:"stable"`
	Quiet    bool `yaml:"quiet"`

	ZeroChar byte `yaml:"zero_char"`
}

// ResourceLimit is a single `limit RLIMIT_X=N` option.
type ResourceLimit struct {
	Name  string `yaml:"name"`
	Value uint64 `yaml:"value"`
}

// ConfigError reports a problem in the CLI invocation or YAML overlay that
// prevents the engine from starting at all.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("configuration error: %s", e.Msg)
}

// VerificationError reports that the predicate did not return 0 on the
// original, unmodified input (and --noverify was not given). Minimizing an
// input the predicate already rejects is meaningless, so the engine refuses
// to start.
type VerificationError struct {
	ExitCode int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("initial verification failed: predicate exited %d on the original input (use --noverify to skip)", e.ExitCode)
}

// Defaults returns the baseline configuration before CLI flags or a YAML
// overlay are applied.
func Defaults() Config {
	return Config{
		Output:         "halfempty.out",
		NumThreads:     runtime.NumCPU() + 1,
		CleanupThreads: 4,
		MaxUnprocessed: 2,
		PollDelay:      10 * time.Millisecond,
		MaxTreeDepth:   512,
		TermSignal:     15, // SIGTERM
		ZeroChar:       0x00,
	}
}

// LoadYAMLOverlay reads a YAML file and applies it on top of base. Fields
// absent from the file are left untouched. Keys are the yaml tags on Config;
// unknown keys are ignored. CLI flags parsed afterward take precedence over
// it (see internal/cli).
func LoadYAMLOverlay(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, &ConfigError{Msg: fmt.Sprintf("reading config file: %v", err)}
	}

	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, &ConfigError{Msg: fmt.Sprintf("parsing config file: %v", err)}
	}
	return out, nil
}

// Validate rejects configurations the engine cannot run with safely.
func (c Config) Validate() error {
	if c.Script == "" {
		return &ConfigError{Msg: "script is required"}
	}
	if c.Input == "" {
		return &ConfigError{Msg: "input file is required"}
	}
	if c.NumThreads <= 0 {
		return &ConfigError{Msg: "num-threads must be > 0"}
	}
	if c.CleanupThreads <= 0 {
		return &ConfigError{Msg: "cleanup-threads must be > 0"}
	}
	if c.MaxUnprocessed <= 0 {
		return &ConfigError{Msg: "max-queue must be > 0 (0 would stall the driver forever)"}
	}
	if c.MaxTreeDepth <= 1 {
		return &ConfigError{Msg: "max-tree-depth must be > 1"}
	}
	return nil
}
