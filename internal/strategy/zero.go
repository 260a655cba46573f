package strategy

import (
	"github.com/googleprojectzero/halfempty/internal/blobstore"
	"github.com/googleprojectzero/halfempty/internal/engineerr"
	"github.com/googleprojectzero/halfempty/internal/task"
	"github.com/googleprojectzero/halfempty/internal/tree"
)

// Zero proposes candidates that overwrite a chunk of the nearest Success
// ancestor's bytes with a fixed byte, rather than deleting it. Overwriting
// keeps offsets stable, which helps predicates that are sensitive to a
// value's position rather than just its presence.
type Zero struct {
	// Char is the byte written over each proposed chunk.
	Char byte
}

// Name implements Strategy.
func (Zero) Name() string { return "zero" }

// Next implements Strategy.
func (z Zero) Next(tr *tree.Tree, parent tree.Ref, store *blobstore.Store) (*task.Task, error) {
	parentNode := tr.Node(parent)
	if parentNode == nil || parentNode.Task == nil {
		return nil, engineerr.NewInvariantViolation("zero: parent node %d has no Task", parent)
	}
	src := source(tr, parent)
	if src == nil {
		return nil, engineerr.NewInvariantViolation("zero: no Success ancestor for node %d", parent)
	}

	cur := advance(parentNode.Task.User, src.Size(), false, false)
	for {
		if cur.Chunksize <= 0 {
			return nil, nil
		}
		redundant, err := z.redundant(tr, parent, src, cur)
		if err != nil {
			return nil, err
		}
		if !redundant {
			break
		}
		cur = advance(cur, src.Size(), false, false)
	}

	f, size, err := store.Zero(src.File(), src.Size(), cur.Offset, cur.Chunksize, z.Char)
	if err != nil {
		return nil, err
	}
	return task.New(f, size, cur), nil
}

// redundant reports whether proposed already lies entirely inside a region
// some Success ancestor already zeroed, or is already all zeroChar in the
// source — either way, testing it again cannot change the outcome. The root
// is not counted as having zeroed anything: its (0, size) state is only the
// starting cursor.
func (z Zero) redundant(tr *tree.Tree, parent tree.Ref, src *task.Task, proposed task.State) (bool, error) {
	for _, ref := range tr.Ancestors(parent) {
		if ref == tr.Root() {
			continue
		}
		n := tr.Node(ref)
		if n.IsPlaceholder() || n.Task.Status() != task.Success {
			continue
		}
		a := n.Task.User
		if proposed.Offset >= a.Offset && proposed.Offset+proposed.Chunksize <= a.Offset+a.Chunksize {
			return true, nil
		}
	}

	alreadyZero, err := blobstore.RegionIsZero(src.File(), src.Size(), proposed.Offset, proposed.Chunksize, z.Char)
	if err != nil {
		return false, err
	}
	return alreadyZero, nil
}
