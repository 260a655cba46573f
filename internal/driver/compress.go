package driver

import (
	"github.com/googleprojectzero/halfempty/internal/task"
	"github.com/googleprojectzero/halfempty/internal/tree"
)

// compress collapses finalized runs of the predicted path directly under the
// root, so Walk and Depth stop paying for history the run can never revisit.
// Caller must hold the tree lock for the whole call. It returns the refs of
// every retired node whose Task still needs reclaiming; the caller is
// responsible for handing those to the GC pool only after releasing the
// tree lock.
func (d *Driver) compress(tr *tree.Tree) []tree.Ref {
	root := tr.Root()
	var refs []tree.Ref

	finalSuccess := deepestFinalizedSuccess(tr, root)
	if finalSuccess != tree.NoRef && finalSuccess != root {
		if tr.Node(root).Child(tree.SuccessBranch) != finalSuccess {
			refs = append(refs, d.relocate(tr, root, tree.SuccessBranch, finalSuccess)...)
		}
	}

	if finalSuccess == tree.NoRef {
		return refs
	}
	finalAny := deepestFinalized(tr, finalSuccess)
	if finalAny != tree.NoRef && finalAny != finalSuccess {
		if tr.Node(finalSuccess).Child(tree.SuccessBranch) != finalAny {
			refs = append(refs, d.relocate(tr, finalSuccess, tree.SuccessBranch, finalAny)...)
		}
	}
	return refs
}

func isResolved(s task.Status) bool { return s == task.Success || s == task.Failure }

// deepestFinalizedSuccess walks the predicted path from "from" and returns
// the deepest node on it whose own Task is Success, stopping at the first
// placeholder or unresolved node. Returns NoRef if "from" itself is a
// placeholder or unresolved, or if no node reached is a Success.
func deepestFinalizedSuccess(tr *tree.Tree, from tree.Ref) tree.Ref {
	n := tr.Node(from)
	if n.IsPlaceholder() || !isResolved(n.Task.Status()) {
		return tree.NoRef
	}
	best := tree.NoRef
	if n.Task.Status() == task.Success {
		best = from
	}

	cur := from
	for {
		n := tr.Node(cur)
		b := tree.FailureBranch
		if n.Task.Status() == task.Success {
			b = tree.SuccessBranch
		}
		child := n.Child(b)
		if child == tree.NoRef {
			return best
		}
		cn := tr.Node(child)
		if cn.IsPlaceholder() || !isResolved(cn.Task.Status()) {
			return best
		}
		cur = child
		if cn.Task.Status() == task.Success {
			best = cur
		}
	}
}

// deepestFinalized walks the predicted path from "from" (inclusive) and
// returns the deepest node reached while every node from "from" down to it
// stays resolved, regardless of polarity.
func deepestFinalized(tr *tree.Tree, from tree.Ref) tree.Ref {
	best := from
	cur := from
	for {
		n := tr.Node(cur)
		b := tree.FailureBranch
		if n.Task.Status() == task.Success {
			b = tree.SuccessBranch
		}
		child := n.Child(b)
		if child == tree.NoRef {
			return best
		}
		cn := tr.Node(child)
		if cn.IsPlaceholder() || !isResolved(cn.Task.Status()) {
			return best
		}
		cur = child
		best = cur
	}
}

// relocate detaches target from its current position in the chain under
// parent[branch] and reparents it directly under parent[branch], retiring
// every node that used to sit between them. It returns their refs for the
// caller to reclaim once the tree lock is released. Caller must hold the
// tree lock.
func (d *Driver) relocate(tr *tree.Tree, parent tree.Ref, b tree.Branch, target tree.Ref) []tree.Ref {
	old := tr.Detach(parent, b)
	if old == tree.NoRef || old == target {
		if old != tree.NoRef {
			tr.Relink(parent, b, old)
		}
		return nil
	}

	targetParent := tr.Node(target).Parent()
	targetBranch := tree.FailureBranch
	if tr.Node(targetParent).Child(tree.SuccessBranch) == target {
		targetBranch = tree.SuccessBranch
	}
	tr.Detach(targetParent, targetBranch)
	tr.Relink(parent, b, target)

	refs := tr.Subtree(old)
	for _, ref := range refs {
		if n := tr.Node(ref); n != nil && n.Task != nil {
			d.collapsed += n.Task.Elapsed()
		}
	}
	tr.Retire(old)
	return refs
}
