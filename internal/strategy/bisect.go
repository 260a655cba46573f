package strategy

import (
	"github.com/googleprojectzero/halfempty/internal/blobstore"
	"github.com/googleprojectzero/halfempty/internal/engineerr"
	"github.com/googleprojectzero/halfempty/internal/task"
	"github.com/googleprojectzero/halfempty/internal/tree"
)

// Bisect proposes candidates that delete a chunk of the nearest Success
// ancestor's bytes. It is the baseline delta-debugging reduction.
type Bisect struct{}

// Name implements Strategy.
func (Bisect) Name() string { return "bisect" }

// Next implements Strategy.
func (Bisect) Next(tr *tree.Tree, parent tree.Ref, store *blobstore.Store) (*task.Task, error) {
	parentNode := tr.Node(parent)
	if parentNode == nil || parentNode.Task == nil {
		return nil, engineerr.NewInvariantViolation("bisect: parent node %d has no Task", parent)
	}
	src := source(tr, parent)
	if src == nil {
		return nil, engineerr.NewInvariantViolation("bisect: no Success ancestor for node %d", parent)
	}
	if src.Size() == 0 {
		// No further reduction is possible once the source is empty.
		return nil, nil
	}

	next := advance(parentNode.Task.User, src.Size(), true, parentNode.Task.Status() == task.Success)
	if next.Chunksize <= 0 {
		return nil, nil
	}

	f, size, err := store.Bisect(src.File(), src.Size(), next.Offset, next.Chunksize)
	if err != nil {
		return nil, err
	}
	return task.New(f, size, next), nil
}
