// Package strategy implements the reduction policies that decide what the
// next candidate looks like: Bisect (delete a chunk) and Zero (overwrite a
// chunk with a fixed byte).
//
// Each Strategy.Next is a pure function of the tree's current state: given a
// node to extend, it either returns a freshly materialized child Task or
// nil to signal that no further work is reachable from that node. It never
// mutates the tree itself — attaching the returned Task to the right branch
// is the Driver's job.
package strategy

import (
	"github.com/googleprojectzero/halfempty/internal/blobstore"
	"github.com/googleprojectzero/halfempty/internal/task"
	"github.com/googleprojectzero/halfempty/internal/tree"
)

// Strategy proposes the next candidate reachable from an existing tree node.
type Strategy interface {
	// Name identifies the strategy for logs and RunSummary.
	Name() string

	// Next materializes and returns the Task that should become parent's
	// child (the Driver decides which branch), or nil if parent's subtree
	// has nothing further this strategy can propose.
	Next(tr *tree.Tree, parent tree.Ref, store *blobstore.Store) (*task.Task, error)
}

// RootState returns the initial (offset, chunksize) parameter block for the
// root Task of a fresh tree: the whole input is one chunk at offset 0.
func RootState(size int64) task.State {
	return task.State{Offset: 0, Chunksize: size}
}

// source returns the nearest Success ancestor's Task, the data every
// candidate under parent is derived from. The root is always eligible once
// it carries a verified Success, so this never returns nil for a reachable
// parent.
func source(tr *tree.Tree, parent tree.Ref) *task.Task {
	ref := tr.SuccessAncestor(parent)
	if ref == tree.NoRef {
		return nil
	}
	return tr.Node(ref).Task
}

// advance applies the successor-state rule shared by Bisect and Zero: once a
// chunk walks past the end of the source, its size halves and the cursor
// resets to 0; otherwise Bisect holds the cursor steady on a success
// (retrying the same range against the now-smaller source) and advances it
// on anything else, while Zero always advances. The boundary case
// offset+chunksize == sourceSize falls to the "otherwise" row rather than
// rolling over: that's what lets a chunk spanning the whole source be
// proposed (and, on the root, removed) in the first place.
func advance(prev task.State, sourceSize int64, holdOnSuccess bool, parentSucceeded bool) task.State {
	if prev.Offset+prev.Chunksize > sourceSize {
		return task.State{Offset: 0, Chunksize: prev.Chunksize / 2}
	}
	if holdOnSuccess && parentSucceeded {
		return task.State{Offset: prev.Offset, Chunksize: prev.Chunksize}
	}
	return task.State{Offset: prev.Offset + prev.Chunksize, Chunksize: prev.Chunksize}
}
