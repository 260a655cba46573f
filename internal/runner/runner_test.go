package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/googleprojectzero/halfempty/internal/config"
)

func candidateFile(t *testing.T, contents string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "candidate")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString(contents); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func sleepScript(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sleep.sh")
	contents := "#!/bin/sh\nsleep " + strconv.Itoa(seconds) + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write sleep script: %v", err)
	}
	return path
}

func TestFromConfigDisablesASLRByDefault(t *testing.T) {
	r := FromConfig(config.Defaults())
	if !r.DisableASLR {
		t.Fatal("expected FromConfig to always disable ASLR")
	}
}

func TestRunInterestingOnExitZero(t *testing.T) {
	r := &Runner{Script: "/bin/true"}
	res, err := r.Run(context.Background(), candidateFile(t, ""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Interesting || res.ExitCode != 0 {
		t.Fatalf("expected interesting/exit 0, got %+v", res)
	}
}

func TestRunNotInterestingOnNonzeroExit(t *testing.T) {
	r := &Runner{Script: "/bin/false"}
	res, err := r.Run(context.Background(), candidateFile(t, ""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Interesting {
		t.Fatalf("expected not interesting, got %+v", res)
	}
	if res.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", res.ExitCode)
	}
}

func TestRunTimesOutAndKillsProcessGroup(t *testing.T) {
	script := sleepScript(t, 5)
	r := &Runner{Script: script, Timeout: 30 * time.Millisecond}

	start := time.Now()
	res, err := r.Run(context.Background(), candidateFile(t, ""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected Run to return promptly after the timeout, took %v", elapsed)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut to be true")
	}
	if res.Interesting {
		t.Fatal("expected a timed-out run to not be interesting")
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	script := sleepScript(t, 5)
	r := &Runner{Script: script}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := r.Run(ctx, candidateFile(t, ""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected Run to return promptly after ctx cancellation, took %v", elapsed)
	}
	if res.Interesting {
		t.Fatal("expected a cancelled run to not be interesting")
	}
}

func TestRunAppliesResourceLimits(t *testing.T) {
	r := &Runner{Script: "/bin/true", Limits: []config.ResourceLimit{{Name: "RLIMIT_CPU", Value: 1}}}
	res, err := r.Run(context.Background(), candidateFile(t, ""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Interesting {
		t.Fatalf("expected the ulimit wrapper to still run the predicate, got %+v", res)
	}
}

func TestRunRejectsUnsupportedResourceLimit(t *testing.T) {
	r := &Runner{Script: "/bin/true", Limits: []config.ResourceLimit{{Name: "RLIMIT_BOGUS", Value: 1}}}
	_, err := r.Run(context.Background(), candidateFile(t, ""))
	if err == nil {
		t.Fatal("expected an error for an unsupported limit name")
	}
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected a *RunError, got %T", err)
	}
}

func TestUlimitFlagKnownNames(t *testing.T) {
	cases := map[string]string{
		"RLIMIT_CPU":    "t",
		"RLIMIT_FSIZE":  "f",
		"RLIMIT_NOFILE": "n",
		"RLIMIT_AS":     "v",
	}
	for name, want := range cases {
		got, ok := ulimitFlag(name)
		if !ok || got != want {
			t.Fatalf("ulimitFlag(%q) = (%q, %v), want (%q, true)", name, got, ok, want)
		}
	}
	if _, ok := ulimitFlag("RLIMIT_BOGUS"); ok {
		t.Fatal("expected an unknown limit name to be rejected")
	}
}

func TestRaiseNoFileNoopWhenAlreadyAboveTarget(t *testing.T) {
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		t.Fatalf("Getrlimit: %v", err)
	}
	if err := RaiseNoFile(rlim.Cur); err != nil {
		t.Fatalf("RaiseNoFile: %v", err)
	}
}
