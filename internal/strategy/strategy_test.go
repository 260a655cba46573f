package strategy

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/googleprojectzero/halfempty/internal/blobstore"
	"github.com/googleprojectzero/halfempty/internal/task"
	"github.com/googleprojectzero/halfempty/internal/tree"
)

func newStore(t *testing.T) *blobstore.Store {
	t.Helper()
	s, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRootTree(t *testing.T, store *blobstore.Store, contents string) (*tree.Tree, *task.Task) {
	t.Helper()
	f, n, err := store.FromReader(strings.NewReader(contents))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	root := task.New(f, n, RootState(n))
	if err := root.Transition(task.Pending, task.Success); err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	return tree.New(root), root
}

func readFile(t *testing.T, f *os.File) string {
	t.Helper()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	b, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestAdvanceHalvesOnceTheChunkReachesSourceEnd(t *testing.T) {
	got := advance(task.State{Offset: 8, Chunksize: 3}, 10, true, true)
	want := task.State{Offset: 0, Chunksize: 1}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestAdvanceHoldsOffsetOnSuccessWhenChunkStillFits(t *testing.T) {
	got := advance(task.State{Offset: 0, Chunksize: 3}, 10, true, true)
	want := task.State{Offset: 0, Chunksize: 3}
	if got != want {
		t.Fatalf("expected cursor held in place, got %+v", got)
	}
}

func TestAdvanceMovesCursorForwardWithoutHolding(t *testing.T) {
	got := advance(task.State{Offset: 0, Chunksize: 3}, 10, true, false)
	want := task.State{Offset: 3, Chunksize: 3}
	if got != want {
		t.Fatalf("expected cursor advanced by chunksize, got %+v", got)
	}
}

func TestBisectFirstProposalRemovesWholeSource(t *testing.T) {
	store := newStore(t)
	tr, root := newRootTree(t, store, "ABCDEFGHIJKLMNOPQRSTU") // 21 bytes

	// The root's state is (0, size) and the root is Success, so the first
	// proposal holds that same range rather than halving: it removes the
	// entire source, producing the empty-input candidate.
	tk, err := Bisect{}.Next(tr, tr.Root(), store)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tk == nil {
		t.Fatal("expected a candidate, got nil")
	}
	if got := readFile(t, tk.File()); got != "" {
		t.Fatalf("expected the whole source deleted, got %q", got)
	}
	if tk.Size() != 0 {
		t.Fatalf("expected size 0, got %d", tk.Size())
	}
	_ = root
}

func TestBisectOnEmptySourceReturnsNil(t *testing.T) {
	store := newStore(t)
	tr, _ := newRootTree(t, store, "")

	tk, err := Bisect{}.Next(tr, tr.Root(), store)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tk != nil {
		t.Fatal("expected nil candidate for an empty source")
	}
}

func TestBisectHoldsChunksizeOnSuccess(t *testing.T) {
	store := newStore(t)
	f, n, err := store.FromReader(strings.NewReader("AAAAABBBBBCCCCCDDDDD")) // 20 bytes
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	// A hand-picked (0, 5) state, well short of the 20-byte size, so both
	// steps below hold instead of halving.
	root := task.New(f, n, task.State{Offset: 0, Chunksize: 5})
	if err := root.Transition(task.Pending, task.Success); err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	tr := tree.New(root)

	child, err := Bisect{}.Next(tr, tr.Root(), store)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := readFile(t, child.File()); got != "BBBBBCCCCCDDDDD" {
		t.Fatalf("unexpected first child contents %q", got)
	}
	if err := child.Transition(task.Pending, task.Success); err != nil {
		t.Fatalf("resolve child: %v", err)
	}
	childRef := tr.Attach(tr.Root(), tree.SuccessBranch, child)

	// The chunk removed to produce child (5 bytes) still fits well within
	// child's own 15-byte size, so the next proposal must hold that
	// chunksize and offset rather than halving again.
	next, err := Bisect{}.Next(tr, childRef, store)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next == nil {
		t.Fatal("expected another candidate")
	}
	if got := readFile(t, next.File()); got != "CCCCCDDDDD" {
		t.Fatalf("expected held chunksize to delete bytes [0:5) of the 15-byte source, got %q", got)
	}
}

func TestZeroSkipsRedundantAllZeroRegion(t *testing.T) {
	store := newStore(t)
	tr, _ := newRootTree(t, store, "0000000000")

	z := Zero{Char: '0'}
	tk, err := z.Next(tr, tr.Root(), store)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tk != nil {
		t.Fatal("expected Zero to skip a region that's already all zeroChar, exhausting without a candidate")
	}
}

func TestZeroOverwritesNonZeroRegion(t *testing.T) {
	store := newStore(t)
	tr, _ := newRootTree(t, store, "0123456789")

	z := Zero{Char: '0'}
	tk, err := z.Next(tr, tr.Root(), store)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tk == nil {
		t.Fatal("expected a candidate")
	}
	got := readFile(t, tk.File())
	if got[0] != '0' {
		t.Fatalf("expected overwritten region to start with zeroChar, got %q", got)
	}
	if tk.Size() != 10 {
		t.Fatalf("expected Zero to preserve source size, got %d", tk.Size())
	}
}
