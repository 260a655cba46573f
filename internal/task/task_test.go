package task

import (
	"os"
	"testing"
)

func newTestTask(t *testing.T, contents string) *Task {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "task-*")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(contents); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return New(f, int64(len(contents)), State{Offset: 0, Chunksize: int64(len(contents))})
}

func TestSetUserReplacesStrategyState(t *testing.T) {
	tk := newTestTask(t, "hello")
	tk.SetUser(State{Offset: 2, Chunksize: 3})
	if got, want := tk.User, (State{Offset: 2, Chunksize: 3}); got != want {
		t.Fatalf("expected User == %+v, got %+v", want, got)
	}
}

func TestTransitionAllowedEdges(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{Pending, Success, true},
		{Pending, Failure, true},
		{Pending, Discarded, true},
		{Success, Discarded, true},
		{Failure, Discarded, true},
		{Success, Success, false},
		{Success, Failure, false},
		{Failure, Success, false},
		{Discarded, Success, false},
		{Discarded, Pending, false},
	}

	for _, c := range cases {
		tk := newTestTask(t, "x")
		// Force the task into "from" directly for cases where from != Pending,
		// since Transition itself only allows leaving Pending once.
		if c.from != Pending {
			if err := tk.Transition(Pending, c.from); err != nil {
				t.Fatalf("setup transition %s->%s: %v", Pending, c.from, err)
			}
		}
		err := tk.Transition(c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s->%s: expected ok, got %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s->%s: expected error, got nil", c.from, c.to)
		}
	}
}

func TestTransitionRejectsStaleExpectation(t *testing.T) {
	tk := newTestTask(t, "hello")
	if err := tk.Transition(Pending, Success); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := tk.Transition(Pending, Failure); err == nil {
		t.Fatal("expected error transitioning from stale Pending expectation")
	}
	if tk.Status() != Success {
		t.Fatalf("status changed despite rejected transition: %s", tk.Status())
	}
}

func TestReleaseClosesAndRemovesFile(t *testing.T) {
	tk := newTestTask(t, "payload")
	path := tk.Path()
	if path == "" {
		t.Fatal("expected non-empty path before release")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("candidate file missing before release: %v", err)
	}

	tk.Release()

	if tk.File() != nil {
		t.Fatal("expected File() to be nil after Release")
	}
	if tk.FD() != -1 {
		t.Fatalf("expected FD() == -1 after Release, got %d", tk.FD())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected candidate file removed after Release, stat err = %v", err)
	}
}

func TestReleaseLeavesResolvedStatusAlone(t *testing.T) {
	tk := newTestTask(t, "payload")
	if err := tk.Transition(Pending, Success); err != nil {
		t.Fatalf("transition: %v", err)
	}
	tk.Release()
	if tk.Status() != Success {
		t.Fatalf("expected Release to leave a resolved Success status alone, got %s", tk.Status())
	}
}

func TestReleaseMarksPendingDiscarded(t *testing.T) {
	tk := newTestTask(t, "payload")
	tk.Release()
	if tk.Status() != Discarded {
		t.Fatalf("expected Release on a Pending task to mark it Discarded, got %s", tk.Status())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	tk := newTestTask(t, "payload")
	tk.Release()
	tk.Release() // must not panic or double-remove
	if tk.Status() != Discarded {
		t.Fatalf("expected Discarded after repeated Release, got %s", tk.Status())
	}
}
