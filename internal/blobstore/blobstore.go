// Package blobstore materializes candidate blobs on disk for the strategies
// in internal/strategy, and performs the engine's one durable write: the
// final minimized output.
//
// Candidates are unlinked-on-release temp files rather than in-memory
// buffers because the Subprocess Runner streams them into a pipe by fd and
// because keeping every live Success candidate as a real file is what makes
// internal/tree's never-deleted-nodes invariant affordable: a node can be
// retained indefinitely at the cost of an inode, not a copy of the blob in
// process memory.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// IOError reports a failure to reliably read, write or relocate a blob. The
// engine cannot proceed without durable storage for speculative candidates,
// so this is always fatal to the run.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("blobstore: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Store materializes candidates under a single temp directory so they share
// a filesystem with the final rename-into-place write.
type Store struct {
	dir string
}

// New creates a Store backed by a fresh temp directory under base (the OS
// default temp dir if base is "").
func New(base string) (*Store, error) {
	dir, err := os.MkdirTemp(base, "halfempty-*")
	if err != nil {
		return nil, &IOError{Op: "creating candidate directory", Err: err}
	}
	return &Store{dir: dir}, nil
}

// Close removes the Store's temp directory and everything still in it. Call
// only after every Task backed by this Store has been released; Close does
// not track live candidates itself.
func (s *Store) Close() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return &IOError{Op: "removing candidate directory", Err: err}
	}
	return nil
}

// create opens a fresh, empty candidate file. Callers write the candidate's
// bytes into it and must not remove it themselves; it is released through
// internal/task.Task.Release.
func (s *Store) create() (*os.File, error) {
	f, err := os.CreateTemp(s.dir, "cand-*")
	if err != nil {
		return nil, &IOError{Op: "creating candidate file", Err: err}
	}
	return f, nil
}

// FromReader materializes a new candidate by copying all of r into a fresh
// file, returning the open file and its final size.
func (s *Store) FromReader(r io.Reader) (*os.File, int64, error) {
	f, err := s.create()
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return nil, 0, &IOError{Op: "writing candidate", Err: err}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, &IOError{Op: "rewinding candidate", Err: err}
	}
	return f, n, nil
}

// Bisect materializes a candidate equal to source's bytes with the range
// [offset, offset+chunk) removed, where chunk = min(chunksize, sourceSize-offset).
// It returns the open candidate file and its resulting size.
func (s *Store) Bisect(source *os.File, sourceSize, offset, chunksize int64) (*os.File, int64, error) {
	chunk := chunksize
	if offset+chunk > sourceSize {
		chunk = sourceSize - offset
	}
	if chunk < 0 {
		chunk = 0
	}

	f, err := s.create()
	if err != nil {
		return nil, 0, err
	}

	if err := copyRange(f, source, 0, offset); err != nil {
		f.Close()
		return nil, 0, err
	}
	if err := copyRange(f, source, offset+chunk, sourceSize-(offset+chunk)); err != nil {
		f.Close()
		return nil, 0, err
	}

	size := sourceSize - chunk
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, &IOError{Op: "rewinding candidate", Err: err}
	}
	return f, size, nil
}

// Zero materializes a candidate equal to source's bytes with the range
// [offset, offset+chunk) overwritten by zeroChar, where
// chunk = min(chunksize, sourceSize-offset). The resulting size always
// equals sourceSize.
func (s *Store) Zero(source *os.File, sourceSize, offset, chunksize int64, zeroChar byte) (*os.File, int64, error) {
	chunk := chunksize
	if offset+chunk > sourceSize {
		chunk = sourceSize - offset
	}
	if chunk < 0 {
		chunk = 0
	}

	f, err := s.create()
	if err != nil {
		return nil, 0, err
	}

	if err := copyRange(f, source, 0, offset); err != nil {
		f.Close()
		return nil, 0, err
	}
	if err := writeZeros(f, chunk, zeroChar); err != nil {
		f.Close()
		return nil, 0, err
	}
	if err := copyRange(f, source, offset+chunk, sourceSize-(offset+chunk)); err != nil {
		f.Close()
		return nil, 0, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, &IOError{Op: "rewinding candidate", Err: err}
	}
	return f, sourceSize, nil
}

// RegionIsZero reports whether source already holds chunksize bytes of
// zeroChar at offset (clamped to source's bounds), used by the Zero strategy
// to skip redundant candidates.
func RegionIsZero(source *os.File, sourceSize, offset, chunksize int64, zeroChar byte) (bool, error) {
	chunk := chunksize
	if offset+chunk > sourceSize {
		chunk = sourceSize - offset
	}
	if chunk <= 0 {
		return true, nil
	}
	buf := make([]byte, chunk)
	if _, err := source.ReadAt(buf, offset); err != nil && err != io.EOF {
		return false, &IOError{Op: "reading candidate region", Err: err}
	}
	for _, b := range buf {
		if b != zeroChar {
			return false, nil
		}
	}
	return true, nil
}

func copyRange(dst *os.File, src *os.File, offset, length int64) error {
	if length <= 0 {
		return nil
	}
	if _, err := io.Copy(dst, io.NewSectionReader(src, offset, length)); err != nil {
		return &IOError{Op: "copying candidate range", Err: err}
	}
	return nil
}

func writeZeros(dst *os.File, n int64, zeroChar byte) error {
	if n <= 0 {
		return nil
	}
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)
	if zeroChar != 0 {
		for i := range buf {
			buf[i] = zeroChar
		}
	}
	for n > 0 {
		w := int64(len(buf))
		if n < w {
			w = n
		}
		if _, err := dst.Write(buf[:w]); err != nil {
			return &IOError{Op: "writing zero-fill", Err: err}
		}
		n -= w
	}
	return nil
}

// WriteFinal atomically writes the contents of src (its bytes, not the file
// itself) to destPath: the final minimized output. It writes into a temp
// file in destPath's directory, then renames it into place, so a crash
// midway never leaves a corrupt or partial output file visible under
// destPath.
func WriteFinal(src *os.File, destPath string) error {
	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".tmp.*")
	if err != nil {
		return &IOError{Op: "creating output temp file", Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return &IOError{Op: "rewinding source", Err: err}
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return &IOError{Op: "writing output", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IOError{Op: "syncing output", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "closing output temp file", Err: err}
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return &IOError{Op: "renaming output into place", Err: err}
	}
	committed = true
	return nil
}
