// Package orchestrator sequences strategy invocations over one input: it
// verifies the original input, runs Bisect to a fixed point, then Zero, and
// optionally repeats the pair under --stable until neither reduces the
// candidate further. It owns the resources that outlive any single Driver —
// the blobstore and the root Task — and hands the caller's tracing Recorder
// to every Driver of the run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/googleprojectzero/halfempty/internal/blobstore"
	"github.com/googleprojectzero/halfempty/internal/config"
	"github.com/googleprojectzero/halfempty/internal/driver"
	"github.com/googleprojectzero/halfempty/internal/runner"
	"github.com/googleprojectzero/halfempty/internal/strategy"
	"github.com/googleprojectzero/halfempty/internal/task"
	"github.com/googleprojectzero/halfempty/internal/tracing"
	"github.com/googleprojectzero/halfempty/internal/tree"
)

// minNoFile is the floor the Orchestrator tries to raise RLIMIT_NOFILE to at
// startup: every live Success node holds one fd open for as long as it might
// still be a Success ancestor, so a shallow descriptor table caps how far
// the engine can speculate before it starts failing candidate creation.
const minNoFile = 4096

// Result is everything the caller (the CLI) needs once a run finishes.
type Result struct {
	FinalSummary tracing.RunSummary
	PerStrategy  []tracing.RunSummary
}

// Run executes one full minimization: verify, Bisect, Zero, optionally
// repeated under cfg.Stable, then writes the final candidate to cfg.Output.
func Run(ctx context.Context, cfg config.Config, rec *tracing.Recorder, log zerolog.Logger) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(cfg.Script); err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("predicate is not executable: %v", err)}
	}

	if err := runner.RaiseNoFile(minNoFile); err != nil {
		// Best-effort: a lowered ceiling only throttles how deep the engine
		// can speculate, it never makes a run incorrect.
		log.Warn().Err(err).Msg("could not raise RLIMIT_NOFILE")
	}

	store, err := blobstore.New("")
	if err != nil {
		return nil, err
	}
	defer store.Close()

	rnr := runner.FromConfig(cfg)

	inputFile, err := os.Open(cfg.Input)
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("opening input: %v", err)}
	}
	rootFile, rootSize, err := store.FromReader(inputFile)
	inputFile.Close()
	if err != nil {
		return nil, err
	}

	originalSize := rootSize
	rootTask := task.New(rootFile, rootSize, strategy.RootState(rootSize))

	if !cfg.NoVerify {
		res, err := rnr.Run(ctx, rootFile)
		if err != nil {
			return nil, err
		}
		if !res.Interesting {
			return nil, &config.VerificationError{ExitCode: res.ExitCode}
		}
	}
	if err := rootTask.Transition(task.Pending, task.Success); err != nil {
		return nil, err
	}

	strategies := []strategy.Strategy{strategy.Bisect{}, strategy.Zero{Char: cfg.ZeroChar}}

	var summaries []tracing.RunSummary
	current := rootTask
	for pass := 1; ; pass++ {
		progressed := false
		for _, strat := range strategies {
			sizeBefore := current.Size()
			start := time.Now()

			// Every strategy invocation — and every --stable pass — gets a
			// fresh tree rooted at the current best candidate, with state
			// reset to (0, size). Reusing a prior strategy's tree would hand
			// this strategy the previous one's exhausted, near-zero-
			// chunksize frontier instead of a top-down sweep from full size.
			current.SetUser(strategy.RootState(current.Size()))
			tr := tree.New(current)

			drv := driver.New(ctx, cfg, strat, rnr, store, rec)
			result, err := drv.Drive(tr)
			if err != nil {
				return nil, err
			}
			current = result

			summary := tracing.RunSummary{
				StrategyName:  strat.Name(),
				Elapsed:       int64(time.Since(start)),
				CollapsedTime: int64(drv.CollapsedTime()),
				FinalSize:     current.Size(),
				OriginalSize:  originalSize,
			}
			summaries = append(summaries, summary)
			log.Info().
				Str("strategy", strat.Name()).
				Int("pass", pass).
				Int64("size_before", sizeBefore).
				Int64("size_after", current.Size()).
				Dur("elapsed", time.Since(start)).
				Msg("strategy pass complete")

			if current.Size() < sizeBefore {
				progressed = true
			}
		}
		if !cfg.Stable || !progressed {
			break
		}
	}

	if err := blobstore.WriteFinal(current.File(), cfg.Output); err != nil {
		return nil, err
	}

	final := tracing.RunSummary{
		StrategyName: "final",
		FinalSize:    current.Size(),
		OriginalSize: originalSize,
	}
	for _, s := range summaries {
		final.Elapsed += s.Elapsed
		final.CollapsedTime += s.CollapsedTime
	}

	log.Info().
		Int64("original_size", originalSize).
		Int64("final_size", current.Size()).
		Float64("ratio", final.ReductionRatio()).
		Dur("collapsed_time", time.Duration(final.CollapsedTime)).
		Msg("minimization complete")

	return &Result{FinalSummary: final, PerStrategy: summaries}, nil
}
