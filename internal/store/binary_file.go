package store

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

var (
	// make sure it implements the BinaryStore interface
	_ BinaryStore = &BinaryFile{}
)

// BinaryFile keeps the firmware image as a single flat file under the
// storage root.
//
// The write lock is only taken around the rename in Commit, readers hold the
// read lock just long enough to open the file. An open Blob keeps reading the
// content it was opened on even if a commit replaces the file meanwhile.
type BinaryFile struct {
	root string
	path string

	mu sync.RWMutex
	// generation is bumped on every commit. checksum is the MD5 of that
	// generation, empty until known.
	generation uint64
	checksum   string

	checksums singleflight.Group
}

// Blob is an open firmware image. Size and Checksum describe the content
// of this file handle.
type Blob struct {
	*os.File
	Size     int64
	Checksum string
}

// Staged is a firmware payload written to the staging area and not yet
// visible to readers.
type Staged struct {
	path     string
	Size     int64
	Checksum string
	consumed bool
}

// Discard removes the staged payload. Safe to call after Commit.
func (s *Staged) Discard() error {
	if s == nil || s.consumed {
		return nil
	}

	s.consumed = true

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	return nil
}

// NewBinaryFile returns a BinaryFile rooted at root. The directory must exist.
func NewBinaryFile(root string) *BinaryFile {
	return &BinaryFile{
		root: root,
		path: filepath.Join(root, types.FirmwareFilename),
	}
}

// Path returns the location of the firmware image.
func (s *BinaryFile) Path() string {
	return s.path
}

// Exists reports whether a firmware image has been stored.
func (s *BinaryFile) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
}

// Size returns the byte length of the current image.
func (s *BinaryFile) Size() (int64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}

		return 0, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	return fi.Size(), nil
}

// Open returns the current image. The caller must Close the returned Blob.
func (s *BinaryFile) Open() (*Blob, error) {
	s.mu.RLock()
	f, err := os.Open(s.path)
	generation, checksum := s.generation, s.checksum
	s.mu.RUnlock()

	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	if checksum == "" {
		checksum, err = s.computeChecksum(generation, f, fi.Size())
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	return &Blob{File: f, Size: fi.Size(), Checksum: checksum}, nil
}

// computeChecksum hashes an image whose checksum is not cached, which is
// the case for an image found on disk at startup. Concurrent callers on the
// same generation share one computation.
func (s *BinaryFile) computeChecksum(generation uint64, f *os.File, size int64) (string, error) {
	v, err, _ := s.checksums.Do(strconv.FormatUint(generation, 10), func() (interface{}, error) {
		sum, err := MD5Checksum(io.NewSectionReader(f, 0, size))
		if err != nil {
			return "", errors.Wrap(ErrStoreUnavailable, err.Error())
		}

		s.mu.Lock()
		if s.generation == generation && s.checksum == "" {
			s.checksum = sum
		}
		s.mu.Unlock()

		return sum, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// Checksum returns the hex MD5 of the current image.
func (s *BinaryFile) Checksum() (string, error) {
	blob, err := s.Open()
	if err != nil {
		return "", err
	}
	defer blob.Close()

	return blob.Checksum, nil
}

// Stage copies src into the staging area, hashing it on the way.
//
// Errors returned by src are wrapped as is, so callers can still match, for
// example, an *http.MaxBytesError. Failures writing to disk are reported
// as ErrStoreUnavailable.
func (s *BinaryFile) Stage(src io.Reader, declaredSize int64) (*Staged, error) {
	f, err := createStagingFile(s.root)
	if err != nil {
		return nil, err
	}

	staged := &Staged{path: f.Name()}

	fail := func(err error) (*Staged, error) {
		f.Close()
		_ = staged.Discard()

		return nil, err
	}

	hw := newHashWriter(f)
	sr := &sourceReader{r: src}

	if _, err = io.Copy(hw, sr); err != nil {
		if sr.err != nil {
			return fail(errors.Wrap(sr.err, "reading firmware payload"))
		}

		return fail(errors.Wrap(ErrStoreUnavailable, err.Error()))
	}

	if declaredSize >= 0 && hw.Written() != declaredSize {
		return fail(errors.Wrapf(ErrSizeMismatch, "declared %d, got %d", declaredSize, hw.Written()))
	}

	if err = f.Sync(); err != nil {
		return fail(errors.Wrap(ErrStoreUnavailable, err.Error()))
	}

	if err = f.Close(); err != nil {
		_ = staged.Discard()
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	staged.Size = hw.Written()
	staged.Checksum = hw.Sum()

	return staged, nil
}

// Commit renames a staged payload over the current image.
func (s *BinaryFile) Commit(staged *Staged) error {
	if staged == nil || staged.consumed {
		return ErrStagedConsumed
	}

	s.mu.Lock()
	err := os.Rename(staged.path, s.path)
	if err == nil {
		s.generation++
		s.checksum = staged.Checksum
	}
	s.mu.Unlock()

	if err != nil {
		_ = staged.Discard()
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	staged.consumed = true

	syncDir(s.root)

	return nil
}

// Replace stages src and commits it.
func (s *BinaryFile) Replace(src io.Reader, declaredSize int64) (int64, error) {
	staged, err := s.Stage(src, declaredSize)
	if err != nil {
		return 0, err
	}

	if err := s.Commit(staged); err != nil {
		return 0, err
	}

	return staged.Size, nil
}
