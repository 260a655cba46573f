package driver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/googleprojectzero/halfempty/internal/blobstore"
	"github.com/googleprojectzero/halfempty/internal/config"
	"github.com/googleprojectzero/halfempty/internal/runner"
	"github.com/googleprojectzero/halfempty/internal/strategy"
	"github.com/googleprojectzero/halfempty/internal/task"
	"github.com/googleprojectzero/halfempty/internal/tracing"
	"github.com/googleprojectzero/halfempty/internal/tree"
)

// grepScript writes a predicate that exits 0 iff its stdin contains needle.
func grepScript(t *testing.T, needle string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "predicate.sh")
	contents := "#!/bin/sh\ngrep -q " + needle + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write predicate script: %v", err)
	}
	return path
}

func newDriverTestTree(t *testing.T, store *blobstore.Store, contents string) *tree.Tree {
	t.Helper()
	f, n, err := store.FromReader(strings.NewReader(contents))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	root := task.New(f, n, strategy.RootState(n))
	if err := root.Transition(task.Pending, task.Success); err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	return tree.New(root)
}

func TestDriveReducesToSmallestPassingCandidate(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	defer store.Close()

	input := "AAAAAAAAAAXAAAAAAAAAA" // 21 bytes, X in the middle
	tr := newDriverTestTree(t, store, input)

	cfg := config.Defaults()
	cfg.NumThreads = 2
	cfg.CleanupThreads = 2
	cfg.MaxUnprocessed = 8
	cfg.MaxTreeDepth = 64
	cfg.PollDelay = time.Millisecond

	rnr := &runner.Runner{Script: grepScript(t, "X"), Timeout: 2 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := New(ctx, cfg, strategy.Bisect{}, rnr, store, tracing.NewRecorder(256))
	result, err := d.Drive(tr)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if result == nil {
		t.Fatal("expected a final result")
	}

	got := readAll(t, result.File())
	if !strings.Contains(got, "X") {
		t.Fatalf("expected the reduced candidate to still contain X, got %q", got)
	}
	if result.Size() >= int64(len(input)) {
		t.Fatalf("expected bisection to shrink the input, still size %d from %d", result.Size(), len(input))
	}
}

func TestDriveStopsImmediatelyWhenRootIsAlreadyMinimal(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	defer store.Close()

	tr := newDriverTestTree(t, store, "X")

	cfg := config.Defaults()
	cfg.NumThreads = 2
	cfg.CleanupThreads = 2
	cfg.MaxUnprocessed = 4
	cfg.MaxTreeDepth = 64
	cfg.PollDelay = time.Millisecond

	rnr := &runner.Runner{Script: grepScript(t, "X"), Timeout: 2 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := New(ctx, cfg, strategy.Bisect{}, rnr, store, tracing.NewRecorder(0))
	result, err := d.Drive(tr)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if result == nil || result.Size() != 1 {
		t.Fatalf("expected the single-byte root to already be the fixed point, got %+v", result)
	}
}

func readAll(t *testing.T, f *os.File) string {
	t.Helper()
	b, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}
