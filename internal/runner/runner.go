// Package runner spawns the user's predicate on one candidate and reports
// whether it found the input still interesting.
//
// The candidate's backing file is handed to exec.Cmd.Stdin directly rather
// than copied through an explicit pipe: when Stdin is an *os.File, os/exec
// dup()s its descriptor straight into the child's stdin with no intervening
// copy goroutine, which is the "splice/zero-copy where available" behavior
// called for without any cgo or raw syscall plumbing.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/googleprojectzero/halfempty/internal/config"
)

// RunError reports a failure to even obtain a predicate verdict (the process
// could not be started, or its exit status could not be interpreted). It is
// distinct from an ordinary Failure result, which is not an error at all.
type RunError struct {
	Op  string
	Err error
}

func (e *RunError) Error() string { return fmt.Sprintf("runner: %s: %v", e.Op, e.Err) }
func (e *RunError) Unwrap() error { return e.Err }

// Result is the outcome of one predicate invocation.
type Result struct {
	// Interesting is true iff the predicate exited 0.
	Interesting bool
	ExitCode    int
	ChildPID    int
	TimedOut    bool
	Elapsed     time.Duration
}

// Runner spawns the configured predicate script on a candidate's bytes.
type Runner struct {
	Script        string
	Timeout       time.Duration
	Limits        []config.ResourceLimit
	NoTerminate   bool
	TermSignal    syscall.Signal
	InheritStdout bool
	InheritStderr bool
	DisableASLR   bool
}

// FromConfig builds a Runner from the engine configuration. DisableASLR is
// always on: SPEC_FULL.md 4.6 lists address-randomization disabling as an
// unconditional pre-exec step, not a user-facing option, so there's no
// config field to read it from.
func FromConfig(c config.Config) *Runner {
	return &Runner{
		Script:        c.Script,
		Timeout:       c.Timeout,
		Limits:        c.Limits,
		NoTerminate:   c.NoTerminate,
		TermSignal:    syscall.Signal(c.TermSignal),
		InheritStdout: c.InheritStdout,
		InheritStderr: c.InheritStderr,
		DisableASLR:   true,
	}
}

// Run executes the predicate with candidate as stdin and classifies the
// result. When the configured Timeout expires, the child's whole process
// group is sent SIGALRM. When ctx is done first, the group is sent
// TermSignal (SIGTERM if unset), unless NoTerminate is set. Run then waits
// for the direct child to exit; it does not wait for other members of the
// group.
func (r *Runner) Run(ctx context.Context, candidate *os.File) (*Result, error) {
	if _, err := candidate.Seek(0, io.SeekStart); err != nil {
		return nil, &RunError{Op: "seeking candidate", Err: err}
	}

	cmd, err := r.build(candidate)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &RunError{Op: "starting predicate", Err: err}
	}
	pid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if r.Timeout > 0 {
		t := time.NewTimer(r.Timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-waitDone:
		return r.classify(pid, waitErr, false, time.Since(start)), nil
	case <-timeoutC:
		timedOut = true
	case <-ctx.Done():
	}

	// The watchdog goroutine above is the "dedicated goroutine with a
	// cancellable wait" that replaces a CV+deadline watchdog thread: signal
	// the whole process group so children of the predicate die with it.
	switch {
	case timedOut:
		_ = syscall.Kill(-pid, syscall.SIGALRM)
	case !r.NoTerminate:
		sig := r.TermSignal
		if sig == 0 {
			sig = syscall.SIGTERM
		}
		_ = syscall.Kill(-pid, sig)
	}
	waitErr = <-waitDone
	return r.classify(pid, waitErr, timedOut, time.Since(start)), nil
}

func (r *Runner) classify(pid int, waitErr error, timedOut bool, elapsed time.Duration) *Result {
	res := &Result{ChildPID: pid, TimedOut: timedOut, Elapsed: elapsed}
	if waitErr == nil {
		res.Interesting = true
		res.ExitCode = 0
		return res
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if exitErr.ProcessState != nil {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		res.Interesting = false
		return res
	}
	// Not an ExitError: the wait itself failed. Treat as "not interesting"
	// rather than aborting the whole run — a single flaky predicate
	// invocation should not kill the engine.
	res.ExitCode = -1
	res.Interesting = false
	return res
}

func (r *Runner) build(candidate *os.File) (*exec.Cmd, error) {
	var sb strings.Builder
	for _, lim := range r.Limits {
		flag, ok := ulimitFlag(lim.Name)
		if !ok {
			return nil, &RunError{Op: "resolving resource limit", Err: fmt.Errorf("unsupported limit %q", lim.Name)}
		}
		fmt.Fprintf(&sb, "ulimit -%s %d 2>/dev/null; ", flag, lim.Value)
	}
	var cmd *exec.Cmd
	if r.DisableASLR {
		sb.WriteString(`exec setarch "$(uname -m)" -R "$0"`)
		cmd = exec.Command("sh", "-c", sb.String(), r.Script)
	} else {
		sb.WriteString(`exec "$0"`)
		cmd = exec.Command("sh", "-c", sb.String(), r.Script)
	}

	cmd.Stdin = candidate
	if r.InheritStdout {
		cmd.Stdout = os.Stdout
	}
	if r.InheritStderr {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// ulimitFlag maps a resource limit's symbolic name to the POSIX sh `ulimit`
// flag that sets it, used by the shell wrapper build() generates so each
// predicate invocation gets its own limits without a per-process cgo hook.
func ulimitFlag(name string) (string, bool) {
	switch name {
	case "RLIMIT_CPU":
		return "t", true
	case "RLIMIT_FSIZE":
		return "f", true
	case "RLIMIT_DATA":
		return "d", true
	case "RLIMIT_STACK":
		return "s", true
	case "RLIMIT_CORE":
		return "c", true
	case "RLIMIT_NOFILE":
		return "n", true
	case "RLIMIT_AS":
		return "v", true
	case "RLIMIT_NPROC":
		return "u", true
	case "RLIMIT_MEMLOCK":
		return "l", true
	default:
		return "", false
	}
}

// RaiseNoFile raises the calling process's own soft RLIMIT_NOFILE to n, or
// to the hard limit if that is lower, called once by the Orchestrator at startup: every live Success node holds
// an open fd, so the engine's own descriptor table is the real limit on how
// much speculation it can sustain.
func RaiseNoFile(n uint64) error {
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return &RunError{Op: "reading RLIMIT_NOFILE", Err: err}
	}
	if rlim.Cur >= n {
		return nil
	}
	target := n
	if rlim.Max != 0 && target > rlim.Max {
		target = rlim.Max
	}
	rlim.Cur = target
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return &RunError{Op: "raising RLIMIT_NOFILE", Err: err}
	}
	return nil
}
