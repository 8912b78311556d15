package store

import (
	"os"

	"github.com/pkg/errors"
)

// Stores bundles the file backed stores sharing one storage root.
type Stores struct {
	Root     string
	Versions *VersionFile
	Binary   *BinaryFile
	// Swept is the number of stale staging files removed on open.
	Swept int
}

// Open prepares root for use: the directory is created if absent, staging
// leftovers are removed and the bootstrap version record is written when no
// record exists.
func Open(root string) (*Stores, error) {
	if root == "" {
		return nil, errors.Wrap(ErrStoreUnavailable, "storage root not defined")
	}

	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	swept, err := sweepStaging(root)
	if err != nil {
		return nil, err
	}

	s := &Stores{
		Root:     root,
		Versions: NewVersionFile(root),
		Binary:   NewBinaryFile(root),
		Swept:    swept,
	}

	if err := s.Versions.BootstrapIfAbsent(); err != nil {
		return nil, err
	}

	return s, nil
}
