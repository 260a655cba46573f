// Package driver implements the Tree Driver main loop: the single-goroutine
// control loop that walks the speculative tree, asks a Strategy for the next
// candidate, dispatches it to the Worker Pool, and sweeps mispredicted
// subtrees through the Cancellation/GC Pool. One Driver serves exactly one
// Strategy invocation; the Orchestrator creates a fresh one per strategy.
package driver

import (
	"context"
	"syscall"
	"time"

	"github.com/googleprojectzero/halfempty/internal/blobstore"
	"github.com/googleprojectzero/halfempty/internal/config"
	"github.com/googleprojectzero/halfempty/internal/engineerr"
	"github.com/googleprojectzero/halfempty/internal/runner"
	"github.com/googleprojectzero/halfempty/internal/strategy"
	"github.com/googleprojectzero/halfempty/internal/task"
	"github.com/googleprojectzero/halfempty/internal/tracing"
	"github.com/googleprojectzero/halfempty/internal/tree"
	"github.com/googleprojectzero/halfempty/internal/workerpool"
)

// Driver runs one Strategy to a fixed point over a Tree.
type Driver struct {
	Config   config.Config
	Strategy strategy.Strategy
	Runner   *runner.Runner
	Store    *blobstore.Store
	Recorder *tracing.Recorder

	ctx          context.Context
	cancel       context.CancelFunc
	workers      *workerpool.Pool
	gc           *workerpool.Pool
	backpressure *workerpool.Backpressure

	collapsed time.Duration
}

// New builds a Driver. parent bounds the whole invocation; the Driver derives
// its own cancellable context so it can interrupt in-flight predicate runs
// the moment it reaches a fixed point, without waiting on the caller.
func New(parent context.Context, cfg config.Config, strat strategy.Strategy, rnr *runner.Runner, store *blobstore.Store, rec *tracing.Recorder) *Driver {
	ctx, cancel := context.WithCancel(parent)
	workers := workerpool.New(ctx, cfg.NumThreads)
	d := &Driver{
		Config:       cfg,
		Strategy:     strat,
		Runner:       rnr,
		Store:        store,
		Recorder:     rec,
		ctx:          workers.Context(),
		cancel:       cancel,
		workers:      workers,
		backpressure: workerpool.NewBackpressure(int64(cfg.MaxUnprocessed)),
	}
	d.gc = workerpool.New(d.ctx, cfg.CleanupThreads)
	return d
}

// CollapsedTime returns the total predicate wall-clock time path compression
// has reclaimed from the tree so far, for RunSummary.CollapsedTime.
func (d *Driver) CollapsedTime() time.Duration { return d.collapsed }

// Drive runs the main loop over tr until its frontier (the predicted path's
// deepest node) is finalized, then returns the deepest confirmed Success
// Task — the fixed point for this Strategy. It always shuts down both pools
// before returning, cancelling any predicate still running on an abandoned
// branch.
func (d *Driver) Drive(tr *tree.Tree) (*task.Task, error) {
	result, err := d.run(tr)
	if shutErr := d.shutdown(); shutErr != nil && err == nil {
		err = shutErr
	}
	return result, err
}

func (d *Driver) run(tr *tree.Tree) (*task.Task, error) {
	backoff := d.Config.PollDelay
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}

	for {
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.backpressure.Acquire(d.ctx); err != nil {
			return nil, err
		}
		released := false
		release := func() {
			if !released {
				released = true
				d.backpressure.Release()
			}
		}

		tr.Lock()
		if tr.Height() > d.Config.MaxTreeDepth {
			if compressed := d.compress(tr); len(compressed) > 0 {
				// Dispatched from a detached goroutine, not here: the tree
				// lock is still held at this point, and gcReclaim needs to
				// take it again to read each node.
				go d.sweepRefs(tr, compressed, tracing.CauseCompression)
			}
		}
		stop, _, isPlaceholder := tr.Walk()

		if isPlaceholder {
			parent := tr.Node(stop).Parent()
			newTask, err := d.Strategy.Next(tr, parent, d.Store)
			if err != nil {
				tr.Unlock()
				release()
				return nil, err
			}
			if newTask != nil {
				tr.MaterializePlaceholder(stop, newTask)
				tr.Unlock()
				d.workers.Go(func() error {
					defer release()
					d.runTask(tr, stop, newTask)
					return nil
				})
				continue
			}
			finalized := parent != tree.NoRef && tr.PathFinalized(parent)
			tr.Unlock()
			release()
			if finalized {
				return d.finalResult(tr, parent)
			}
			if !d.wait(backoff) {
				return nil, d.ctx.Err()
			}
			continue
		}

		leaf := stop
		newTask, err := d.Strategy.Next(tr, leaf, d.Store)
		if err != nil {
			tr.Unlock()
			release()
			return nil, err
		}
		if newTask == nil {
			finalized := tr.PathFinalized(leaf)
			tr.Unlock()
			release()
			if finalized {
				return d.finalResult(tr, leaf)
			}
			if !d.wait(backoff) {
				return nil, d.ctx.Err()
			}
			continue
		}

		leafNode := tr.Node(leaf)
		realBranch, placeholderBranch := predictedBranches(leafNode.Task.Status())
		childRef := tr.Attach(leaf, realBranch, newTask)
		tr.AttachPlaceholder(leaf, placeholderBranch)
		tr.Unlock()

		d.workers.Go(func() error {
			defer release()
			d.runTask(tr, childRef, newTask)
			return nil
		})
	}
}

// predictedBranches returns (real, placeholder) branch slots for a new child
// of a node whose Task resolved to status: the pessimistic policy predicts
// failure for anything short of a confirmed Success.
func predictedBranches(status task.Status) (real, placeholder tree.Branch) {
	if status == task.Success {
		return tree.SuccessBranch, tree.FailureBranch
	}
	return tree.FailureBranch, tree.SuccessBranch
}

// wait backs off for d, returning false if the driver's context ends first.
func (d *Driver) wait(delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// runTask executes the predicate for ref's Task and records the outcome. If
// the Task was discarded (by a GC sweep racing ahead of the worker, or by
// path compression) before or after the run, the result is dropped silently.
func (d *Driver) runTask(tr *tree.Tree, ref tree.Ref, t *task.Task) {
	if t.Status() != task.Pending {
		return
	}

	res, err := d.Runner.Run(d.ctx, t.File())
	if err != nil {
		return
	}
	t.SetChildPID(res.ChildPID)
	t.SetElapsed(res.Elapsed)

	newStatus, kind := task.Failure, tracing.EventFailure
	if res.Interesting {
		newStatus, kind = task.Success, tracing.EventSuccess
	}
	if err := t.Transition(task.Pending, newStatus); err != nil {
		return
	}

	tr.Lock()
	nodeID := ""
	if n := tr.Node(ref); n != nil {
		nodeID = n.ID
	}
	tr.Unlock()
	tr.NotePendingResolved()
	d.Recorder.Record(tracing.TransitionEvent{Kind: kind, NodeID: nodeID, Cause: tracing.CauseWorkerResult})

	if newStatus != task.Success {
		return
	}

	tr.Lock()
	node := tr.Node(ref)
	mispredicted := tree.NoRef
	if node != nil {
		mispredicted = node.Child(tree.FailureBranch)
	}
	tr.Unlock()
	if mispredicted != tree.NoRef {
		d.sweep(tr, mispredicted)
	}
}

// sweep reclaims every Task in the subtree rooted at root: it reads the
// subtree's node list under the tree lock, then hands each one to the GC
// pool without holding the tree lock or any Task mutex at the same time.
func (d *Driver) sweep(tr *tree.Tree, root tree.Ref) {
	tr.Lock()
	refs := tr.Subtree(root)
	tr.Unlock()
	d.sweepRefs(tr, refs, tracing.CauseGCSweep)
}

// sweepRefs hands each ref to the GC pool, tagging the resulting Discarded
// transition with cause. Callers must not hold the tree lock.
func (d *Driver) sweepRefs(tr *tree.Tree, refs []tree.Ref, cause tracing.Cause) {
	for _, ref := range refs {
		ref := ref
		d.gc.Go(func() error {
			d.gcReclaim(tr, ref, cause)
			return nil
		})
	}
}

// gcReclaim reclaims one node's Task: it signals the predicate's whole
// process group (unless --no-terminate was given), then releases the Task's
// file. Release itself leaves an already-resolved Success or Failure status
// alone; only a still-Pending Task is marked Discarded here.
func (d *Driver) gcReclaim(tr *tree.Tree, ref tree.Ref, cause tracing.Cause) {
	tr.Lock()
	n := tr.Node(ref)
	tr.Unlock()
	if n == nil || n.Task == nil {
		return
	}
	t := n.Task

	if !d.Config.NoTerminate {
		if pid := t.ChildPID(); pid > 0 {
			sig := syscall.Signal(d.Config.TermSignal)
			if sig == 0 {
				sig = syscall.SIGTERM
			}
			_ = syscall.Kill(-pid, sig)
		}
	}

	wasPending := t.Status() == task.Pending
	t.Release()
	if wasPending {
		tr.NotePendingResolved()
	}
	d.Recorder.Record(tracing.TransitionEvent{Kind: tracing.EventDiscarded, NodeID: n.ID, Cause: cause})
}

// finalResult resolves ref to the nearest Success ancestor's Task: ref itself
// may be a Failure (the run ends on a failing leaf whose sibling placeholder
// can never be filled), in which case the answer is an ancestor.
func (d *Driver) finalResult(tr *tree.Tree, ref tree.Ref) (*task.Task, error) {
	tr.Lock()
	defer tr.Unlock()
	success := tr.SuccessAncestor(ref)
	if success == tree.NoRef {
		return nil, engineerr.NewInvariantViolation("finalized path from node %d has no Success ancestor", ref)
	}
	return tr.Node(success).Task, nil
}

// shutdown cancels any predicate still running, then waits for both pools to
// drain. An infrastructure error surfaced by either pool aborts the run.
func (d *Driver) shutdown() error {
	d.cancel()
	gcErr := d.gc.Wait()
	if workersErr := d.workers.Wait(); workersErr != nil {
		return workersErr
	}
	return gcErr
}
