package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const (
	versionFilename = "version.json"
)

var (
	// make sure it implements the VersionStore interface
	_ VersionStore = &VersionFile{}
)

// VersionFile keeps the version record as a JSON document under the storage root.
//
// Reads take no lock, the record is only ever swapped in by rename.
type VersionFile struct {
	root string
	path string
	// serializes writers
	mu sync.Mutex
}

// NewVersionFile returns a VersionFile rooted at root. The directory must exist.
func NewVersionFile(root string) *VersionFile {
	return &VersionFile{
		root: root,
		path: filepath.Join(root, versionFilename),
	}
}

// Path returns the location of the record file.
func (s *VersionFile) Path() string {
	return s.path
}

// Read returns the current record.
func (s *VersionFile) Read() (*types.VersionRecord, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	record := &types.VersionRecord{}
	if err := json.Unmarshal(b, record); err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, "decoding version record: "+err.Error())
	}

	return record, nil
}

// BootstrapIfAbsent writes the bootstrap record when no record exists.
// It is safe to call on every start.
func (s *VersionFile) BootstrapIfAbsent() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.path)
	if err == nil {
		return nil
	}

	if !os.IsNotExist(err) {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	return s.write(&types.VersionRecord{Version: types.BootstrapVersion})
}

// Replace overwrites the whole record.
func (s *VersionFile) Replace(record *types.VersionRecord) error {
	if record == nil {
		return errors.Wrap(ErrStoreUnavailable, "nil version record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(record)
}

func (s *VersionFile) write(record *types.VersionRecord) error {
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(ErrStoreUnavailable, "encoding version record: "+err.Error())
	}

	return writeFileAtomic(s.root, s.path, b)
}
