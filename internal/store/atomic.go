package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// the subdir files are written to before being renamed into place.
	// It lives under the storage root so the rename never crosses filesystems.
	stagingDirName = ".staging"
	stagingSuffix  = ".part"

	dirMode  = 0o755
	fileMode = 0o644
)

// createStagingFile opens a new exclusive file in the staging directory.
func createStagingFile(root string) (*os.File, error) {
	dir := filepath.Join(root, stagingDirName)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	name := filepath.Join(dir, uuid.NewString()+stagingSuffix)

	// O_EXCL so two writers can never share a staging file
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	return f, nil
}

// writeFileAtomic writes data to a staging file, flushes it to disk and
// renames it over target. Readers of target see either the previous or the
// new content in full.
func writeFileAtomic(root, target string, data []byte) error {
	f, err := createStagingFile(root)
	if err != nil {
		return err
	}

	tmp := f.Name()

	if _, err = f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)

		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)

		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	if err = f.Close(); err != nil {
		os.Remove(tmp)

		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	if err = os.Rename(tmp, target); err != nil {
		os.Remove(tmp)

		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	syncDir(filepath.Dir(target))

	return nil
}

// syncDir flushes a directory entry update. Not every platform supports
// fsync on directories, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}

	_ = d.Sync()
	d.Close()
}

// sweepStaging removes staging files left behind by an interrupted process.
func sweepStaging(root string) (int, error) {
	dir := filepath.Join(root, stagingDirName)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	var removed int

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stagingSuffix) {
			continue
		}

		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrap(ErrStoreUnavailable, err.Error())
		}

		removed++
	}

	return removed, nil
}
