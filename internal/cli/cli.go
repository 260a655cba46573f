// Package cli parses the halfempty command line into a config.Config and
// runs the orchestrator, translating its result into a semantic process
// exit code.
//
// Determinism goals carried over from the teacher's invocation parser: no
// reliance on the process's current working directory beyond what the user
// passed on argv, and parsing errors are returned rather than printed
// directly, so callers (tests included) can inspect them structurally.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/googleprojectzero/halfempty/internal/config"
	"github.com/googleprojectzero/halfempty/internal/logging"
	"github.com/googleprojectzero/halfempty/internal/orchestrator"
	"github.com/googleprojectzero/halfempty/internal/tracing"
)

// Semantic process exit codes.
const (
	ExitSuccess           = 0
	ExitVerificationError = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError reports a problem with argv itself, before any config is
// built: an unknown flag, a missing positional argument, and so on.
type InvocationError struct {
	Message string
}

func (e *InvocationError) Error() string { return e.Message }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{Message: fmt.Sprintf(format, args...)}
}

// CLIResult is the outcome of one CLI invocation.
type CLIResult struct {
	ExitCode int
	Summary  *orchestrator.Result
}

// limitList accumulates repeated `-limit RLIMIT_X=N` flags.
type limitList []config.ResourceLimit

func (l *limitList) String() string {
	if l == nil {
		return ""
	}
	var parts []string
	for _, lim := range *l {
		parts = append(parts, fmt.Sprintf("%s=%d", lim.Name, lim.Value))
	}
	return strings.Join(parts, ",")
}

func (l *limitList) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected RLIMIT_X=N, got %q", s)
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid limit value %q: %w", value, err)
	}
	*l = append(*l, config.ResourceLimit{Name: strings.TrimSpace(name), Value: n})
	return nil
}

// ParseConfig parses args (excluding argv[0]) into a config.Config. The two
// required positional arguments are the predicate script and the input file,
// matching the teacher's flag-then-positionals invocation shape.
func ParseConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("halfempty", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := config.Defaults()

	var numThreads, cleanupThreads, maxQueue, maxTreeDepth, termSignal int
	var pollDelayUsec, timeoutSec int64
	var noTerminate, inheritStdout, inheritStderr, noVerify, stable, quiet bool
	var output, zeroCharStr, configPath string
	var limits limitList

	fs.IntVar(&numThreads, "num-threads", cfg.NumThreads, "worker pool size")
	fs.IntVar(&cleanupThreads, "cleanup-threads", cfg.CleanupThreads, "GC pool size")
	fs.IntVar(&maxQueue, "max-queue", cfg.MaxUnprocessed, "max_unprocessed backpressure bound")
	fs.Int64Var(&pollDelayUsec, "poll-delay", cfg.PollDelay.Microseconds(), "backoff unit in microseconds")
	fs.IntVar(&maxTreeDepth, "max-tree-depth", cfg.MaxTreeDepth, "path compression trigger depth")
	fs.Int64Var(&timeoutSec, "timeout", int64(cfg.Timeout.Seconds()), "per-predicate timeout in seconds (0 disables)")
	fs.Var(&limits, "limit", "RLIMIT_X=N, repeatable")
	fs.BoolVar(&noTerminate, "no-terminate", cfg.NoTerminate, "disable aggressive signalling of mispredicted children")
	fs.IntVar(&termSignal, "term-signal", cfg.TermSignal, "signal number used for aggressive termination")
	fs.BoolVar(&inheritStdout, "inherit-stdout", cfg.InheritStdout, "do not redirect child stdout to null")
	fs.BoolVar(&inheritStderr, "inherit-stderr", cfg.InheritStderr, "do not redirect child stderr to null")
	fs.BoolVar(&noVerify, "noverify", cfg.NoVerify, "skip the initial sanity run on the original input")
	fs.BoolVar(&stable, "stable", cfg.Stable, "re-run strategies until output size is a fixed point")
	fs.BoolVar(&quiet, "quiet", cfg.Quiet, "suppress informational output")
	fs.StringVar(&output, "output", cfg.Output, "destination file")
	fs.StringVar(&zeroCharStr, "zero-char", "0", "byte value used by the Zero strategy")
	fs.StringVar(&configPath, "config", "", "optional YAML file overlaying these options")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 2 {
		return config.Config{}, invalidInvocationf("expected SCRIPT and INPUTFILE, got %d positional argument(s)", fs.NArg())
	}

	if configPath != "" {
		overlaid, err := config.LoadYAMLOverlay(cfg, configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = overlaid
	}

	zeroChar, err := parseZeroChar(zeroCharStr)
	if err != nil {
		return config.Config{}, invalidInvocationf("%v", err)
	}

	// Only a flag the user actually passed overrides the overlay; anything
	// left at its flag default must not clobber what --config loaded.
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	cfg.Script = fs.Arg(0)
	cfg.Input = fs.Arg(1)
	if explicit["num-threads"] {
		cfg.NumThreads = numThreads
	}
	if explicit["cleanup-threads"] {
		cfg.CleanupThreads = cleanupThreads
	}
	if explicit["max-queue"] {
		cfg.MaxUnprocessed = maxQueue
	}
	if explicit["poll-delay"] {
		cfg.PollDelay = time.Duration(pollDelayUsec) * time.Microsecond
	}
	if explicit["max-tree-depth"] {
		cfg.MaxTreeDepth = maxTreeDepth
	}
	if explicit["timeout"] {
		cfg.Timeout = time.Duration(timeoutSec) * time.Second
	}
	cfg.Limits = append(cfg.Limits, limits...)
	if explicit["no-terminate"] {
		cfg.NoTerminate = noTerminate
	}
	if explicit["term-signal"] {
		cfg.TermSignal = termSignal
	}
	if explicit["inherit-stdout"] {
		cfg.InheritStdout = inheritStdout
	}
	if explicit["inherit-stderr"] {
		cfg.InheritStderr = inheritStderr
	}
	if explicit["noverify"] {
		cfg.NoVerify = noVerify
	}
	if explicit["stable"] {
		cfg.Stable = stable
	}
	if explicit["quiet"] {
		cfg.Quiet = quiet
	}
	if explicit["output"] {
		cfg.Output = output
	}
	if explicit["zero-char"] {
		cfg.ZeroChar = zeroChar
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// Run parses args, executes the orchestrator and returns the semantic exit
// code alongside any error (already reflected in ExitCode, kept for callers
// that want the underlying cause).
func Run(ctx context.Context, args []string) (CLIResult, error) {
	cfg, err := ParseConfig(args)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}

	log := logging.New(os.Stderr, cfg.Quiet)
	rec := tracing.NewRecorder(4096)

	result, err := orchestrator.Run(ctx, cfg, rec, log)
	if err != nil {
		code := ExitInternalError
		var verErr *config.VerificationError
		var cfgErr *config.ConfigError
		if errors.As(err, &verErr) {
			code = ExitVerificationError
		} else if errors.As(err, &cfgErr) {
			code = ExitConfigError
		}
		log.Error().Err(err).Msg("run failed")
		return CLIResult{ExitCode: code}, err
	}

	return CLIResult{ExitCode: ExitSuccess, Summary: result}, nil
}

// ExitCode extracts a semantic exit code from an error returned by
// ParseConfig or Run.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return ExitInvalidInvocation
	}
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	var verErr *config.VerificationError
	if errors.As(err, &verErr) {
		return ExitVerificationError
	}
	return ExitInternalError
}

func parseZeroChar(s string) (byte, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid --zero-char %q: %w", s, err)
	}
	return byte(n), nil
}

