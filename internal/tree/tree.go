// Package tree implements the binary speculative-execution tree: a flat
// arena of nodes addressed by integer index (never by pointer), so that path
// compression can relocate subtrees by rewriting a handful of indices
// instead of walking parent/child pointer chains.
//
// The Tree's own mutex is the "tree lock" referenced throughout
// SPEC_FULL.md's concurrency model: it must always be acquired before any
// Task's mutex, never the reverse. Callers that need both must take the
// tree lock, read what they need, release it, and only then lock a Task.
package tree

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/googleprojectzero/halfempty/internal/task"
)

// Branch selects one of a node's two children: the predicted-failure branch
// (index 0) or the predicted-success branch (index 1).
type Branch int

const (
	// FailureBranch is index 0: taken when the parent Task's status is, or is
	// predicted to be, Failure.
	FailureBranch Branch = 0
	// SuccessBranch is index 1: taken when the parent Task's status is, or is
	// predicted to be, Success.
	SuccessBranch Branch = 1
)

// Ref is a node reference: an index into the Tree's arena. The root is Ref 0;
// use NoRef for "no node".
type Ref int

// NoRef is the sentinel meaning "no such node".
const NoRef Ref = -1

// Node is one binary-tree node. A node with a nil Task is an empty
// placeholder reserving the opposite branch while the Driver speculates down
// the other one.
type Node struct {
	ID       string // ULID, stamped at creation, used only for log correlation
	Task     *task.Task
	parent   Ref
	children [2]Ref // indexed by Branch
	retired  bool
}

// IsPlaceholder reports whether the node carries no Task yet.
func (n *Node) IsPlaceholder() bool { return n.Task == nil }

// Child returns the node's child along branch, or NoRef if absent.
func (n *Node) Child(b Branch) Ref { return n.children[b] }

// Parent returns the node's parent, or NoRef for the root.
func (n *Node) Parent() Ref { return n.parent }

// Tree owns the arena and the coarse tree lock.
type Tree struct {
	mu       sync.Mutex
	cond     *sync.Cond
	nodes    []*Node
	retired  []*Node
	root     Ref
	pending  int // count of Tasks in Pending status attached somewhere in the tree
}

// New creates a Tree whose root carries rootTask.
func New(rootTask *task.Task) *Tree {
	t := &Tree{nodes: make([]*Node, 0, 64), root: 0}
	t.cond = sync.NewCond(&t.mu)
	root := &Node{ID: ulid.Make().String(), Task: rootTask, parent: NoRef, children: [2]Ref{NoRef, NoRef}}
	t.nodes = append(t.nodes, root)
	return t
}

// Lock acquires the tree lock. Callers must Unlock before taking any Task
// mutex reachable from the tree.
func (t *Tree) Lock()   { t.mu.Lock() }
func (t *Tree) Unlock() { t.mu.Unlock() }

// Root returns the root node's reference.
func (t *Tree) Root() Ref { return t.root }

// Node returns the node at ref. Caller must hold the tree lock.
func (t *Tree) Node(ref Ref) *Node {
	if ref < 0 || int(ref) >= len(t.nodes) {
		return nil
	}
	return t.nodes[ref]
}

// Attach creates a new node carrying tk under parent along branch, and
// returns its reference. Caller must hold the tree lock. The parent slot
// named by branch must currently be empty (NoRef).
func (t *Tree) Attach(parent Ref, b Branch, tk *task.Task) Ref {
	p := t.nodes[parent]
	ref := Ref(len(t.nodes))
	n := &Node{ID: ulid.Make().String(), Task: tk, parent: parent, children: [2]Ref{NoRef, NoRef}}
	t.nodes = append(t.nodes, n)
	p.children[b] = ref
	if tk != nil {
		t.pending++
	}
	return ref
}

// AttachPlaceholder creates an empty placeholder node under parent along
// branch and returns its reference. Caller must hold the tree lock.
func (t *Tree) AttachPlaceholder(parent Ref, b Branch) Ref {
	return t.Attach(parent, b, nil)
}

// MaterializePlaceholder turns an existing placeholder into a real node
// carrying tk, in place (its reference does not change). Caller must hold
// the tree lock.
func (t *Tree) MaterializePlaceholder(ref Ref, tk *task.Task) {
	n := t.nodes[ref]
	n.Task = tk
	t.pending++
}

// NotePendingResolved must be called once, by whoever observes a Task
// attached to the tree leave Pending, so the Tree's pending counter (used
// only for diagnostics) stays accurate.
func (t *Tree) NotePendingResolved() {
	t.mu.Lock()
	t.pending--
	t.mu.Unlock()
}

// Walk descends from root choosing SuccessBranch when the current node's
// Task status is Success and FailureBranch otherwise (Pending and Failure
// both predict failure — the pessimistic policy). It stops at the first
// empty placeholder or leaf (a node with the chosen child slot == NoRef),
// returning that stopping node's reference, the branch that would extend
// it, and whether the stopping node is itself a placeholder (as opposed to
// a leaf whose Task is already resolved). Caller must hold the tree lock.
func (t *Tree) Walk() (stop Ref, branch Branch, stopIsPlaceholder bool) {
	cur := t.root
	for {
		n := t.nodes[cur]
		if n.IsPlaceholder() {
			return cur, 0, true
		}
		b := FailureBranch
		if n.Task.Status() == task.Success {
			b = SuccessBranch
		}
		child := n.children[b]
		if child == NoRef {
			return cur, b, false
		}
		cur = child
	}
}

// PathFinalized reports whether every Task from root down to (and including)
// ref has resolved to Success or Failure. Caller must hold the tree lock.
func (t *Tree) PathFinalized(ref Ref) bool {
	cur := ref
	for cur != NoRef {
		n := t.nodes[cur]
		if n.IsPlaceholder() {
			return false
		}
		switch n.Task.Status() {
		case task.Success, task.Failure:
		default:
			return false
		}
		cur = n.parent
	}
	return true
}

// SuccessAncestor returns the nearest ancestor of ref (ref itself included)
// whose Task has status Success. The root always qualifies once it has been
// verified, so this always returns a valid reference for any reachable ref.
// Caller must hold the tree lock.
func (t *Tree) SuccessAncestor(ref Ref) Ref {
	cur := ref
	for cur != NoRef {
		n := t.nodes[cur]
		if !n.IsPlaceholder() && n.Task.Status() == task.Success {
			return cur
		}
		cur = n.parent
	}
	return NoRef
}

// Ancestors returns the chain from ref up to and including the root, nearest
// first. Caller must hold the tree lock.
func (t *Tree) Ancestors(ref Ref) []Ref {
	var out []Ref
	cur := ref
	for cur != NoRef {
		out = append(out, cur)
		cur = t.nodes[cur].parent
	}
	return out
}

// Depth returns ref's distance from the root (root is depth 0). Caller must
// hold the tree lock.
func (t *Tree) Depth(ref Ref) int {
	d := 0
	cur := ref
	for t.nodes[cur].parent != NoRef {
		d++
		cur = t.nodes[cur].parent
	}
	return d
}

// Height returns the tree's current height: the maximum depth of any node.
// Caller must hold the tree lock.
func (t *Tree) Height() int {
	max := 0
	for i := range t.nodes {
		if d := t.Depth(Ref(i)); d > max {
			max = d
		}
	}
	return max
}

// Subtree returns every node reference reachable from (and including) root
// via child links, in pre-order. Caller must hold the tree lock.
func (t *Tree) Subtree(root Ref) []Ref {
	if root == NoRef {
		return nil
	}
	out := []Ref{root}
	n := t.nodes[root]
	for _, c := range n.children {
		if c != NoRef {
			out = append(out, t.Subtree(c)...)
		}
	}
	return out
}

// Retire detaches the subtree rooted at ref from its parent slot (replacing
// it with NoRef) and moves every node in it into the retired side-arena, so
// their indices remain valid for any goroutine still holding a stale
// reference, but they are no longer reachable from Walk. The caller is
// responsible for having already arranged for every Task in the subtree to
// be handed to the GC pool. Caller must hold the tree lock.
func (t *Tree) Retire(ref Ref) {
	n := t.nodes[ref]
	if n.parent != NoRef {
		p := t.nodes[n.parent]
		if p.children[FailureBranch] == ref {
			p.children[FailureBranch] = NoRef
		}
		if p.children[SuccessBranch] == ref {
			p.children[SuccessBranch] = NoRef
		}
	}
	for _, idx := range t.Subtree(ref) {
		t.nodes[idx].retired = true
		t.retired = append(t.retired, t.nodes[idx])
	}
}

// Relink makes child the branch-slot child of parent, detaching whatever was
// there before (the caller must have already retired it if needed). Caller
// must hold the tree lock.
func (t *Tree) Relink(parent Ref, b Branch, child Ref) {
	t.nodes[parent].children[b] = child
	t.nodes[child].parent = parent
}

// Detach clears parent's branch-slot child pointer and the removed child's
// own parent pointer, without retiring it, and returns its former reference
// (or NoRef if the slot was already empty). Used by path compression to pull
// a node out of a chain before it is either retired or relinked elsewhere.
// Caller must hold the tree lock.
func (t *Tree) Detach(parent Ref, b Branch) Ref {
	child := t.nodes[parent].children[b]
	t.nodes[parent].children[b] = NoRef
	if child != NoRef {
		t.nodes[child].parent = NoRef
	}
	return child
}

// Len reports the number of live (non-retired) nodes, used only by tests and
// diagnostics.
func (t *Tree) Len() int {
	n := 0
	for _, node := range t.nodes {
		if !node.retired {
			n++
		}
	}
	return n
}
