// Package task defines Task, the materialized candidate a strategy proposes
// and a worker executes.
//
// A Task's data bytes live on disk behind an open *os.File; its own mutex
// protects Status, the file handle and the child PID once the Task is
// reachable from more than one goroutine. The tree that owns a Task's node
// must never be locked while a Task's own mutex is held — see internal/tree
// for the lock ordering this package assumes.
package task

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Status is the lifecycle state of a Task's predicate outcome.
type Status int

const (
	// Pending has not yet been run, or is still running.
	Pending Status = iota
	// Success means the predicate exited 0: the candidate is still interesting.
	Success
	// Failure means the predicate exited non-zero, was killed, or timed out.
	Failure
	// Discarded means the engine decided this Task's result (if any) will
	// never be used, and its resources have been (or are being) reclaimed.
	Discarded
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Success:
		return "Success"
	case Failure:
		return "Failure"
	case Discarded:
		return "Discarded"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// isAllowedTransition encodes the legal Status transitions. Pending may
// resolve to Success, Failure or Discarded; Success and Failure may only
// move to Discarded. Discarded is terminal.
func isAllowedTransition(from, to Status) bool {
	switch from {
	case Pending:
		return to == Success || to == Failure || to == Discarded
	case Success, Failure:
		return to == Discarded
	default:
		return false
	}
}

// State is a strategy's parameter block attached to a Task. Bisect and Zero
// both use the same (Offset, Chunksize) shape; the strategy that produced a
// Task is implied by which Tree it lives in, not stored on the Task itself.
type State struct {
	Offset    int64
	Chunksize int64
}

// Task is the materialized candidate associated with one tree node.
//
// file is kept open for the Task's entire lifetime so the fd it exposes
// stays valid and so Go's os.File finalizer never closes it out from under a
// worker; only Release (called by the GC pool) closes it.
type Task struct {
	mu sync.Mutex

	file     *os.File
	size     int64
	status   Status
	elapsed  time.Duration
	childPID int

	// User is the strategy parameter block. It is set at construction and
	// may be read without holding mu: the only mutator, SetUser, is used
	// solely by the Orchestrator between Drive calls, before the Task is
	// reachable from more than one goroutine.
	User State
}

// New constructs a Pending Task over an already-materialized blob held open
// as file, whose length is size.
func New(file *os.File, size int64, user State) *Task {
	return &Task{
		file:   file,
		size:   size,
		status: Pending,
		User:   user,
	}
}

// SetUser replaces the strategy parameter block. Callers must guarantee no
// other goroutine can be reading User concurrently (the Orchestrator uses
// this to reset a resolved Task's state before rooting the next strategy's
// tree at it, before that tree has any workers running against it).
func (t *Task) SetUser(u State) {
	t.User = u
}

// Status returns the current status under lock.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Size returns the candidate's byte length. Size is fixed at construction and
// may be read without locking.
func (t *Task) Size() int64 { return t.size }

// Path returns the backing file's path, or "" if it has been released.
func (t *Task) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return ""
	}
	return t.file.Name()
}

// File returns the live backing file, or nil if released. The returned
// handle must not be closed by the caller; only Release closes it.
func (t *Task) File() *os.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file
}

// FD returns the live file descriptor, or -1 if released.
func (t *Task) FD() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return -1
	}
	return int(t.file.Fd())
}

// SetChildPID records the PID of the runner's last child process.
func (t *Task) SetChildPID(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.childPID = pid
}

// ChildPID returns the last recorded child PID, or 0 if none.
func (t *Task) ChildPID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childPID
}

// SetElapsed records the wall-clock time the predicate took to run.
func (t *Task) SetElapsed(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed = d
}

// Elapsed returns the recorded wall-clock run time.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// Transition performs a validated status change, rejecting it (and leaving
// status unchanged) if the caller's expected `from` does not match the
// current status, or if from->to is not an allowed edge.
func (t *Task) Transition(from, to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != from {
		return fmt.Errorf("invalid transition: expected %s, got %s", from, t.status)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	t.status = to
	return nil
}

// Release marks a still-Pending Task Discarded (a Success or Failure status
// is left as it is), closes its backing file and removes it from disk, and clears the child PID. The
// caller (the GC pool) is responsible for having already reaped childPID.
// It is safe to call on an already-terminal Task; closing/removing an
// already-released Task's file is a no-op.
func (t *Task) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == Pending {
		t.status = Discarded
	}
	if t.file != nil {
		name := t.file.Name()
		_ = t.file.Close()
		_ = os.Remove(name)
		t.file = nil
	}
	t.childPID = 0
}
