package store

import (
	"io"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

var (
	// ErrNotFound is returned when no firmware binary has been uploaded yet.
	ErrNotFound = errors.New("firmware binary not found")

	// ErrStoreUnavailable is returned when the storage medium cannot be read or written.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSizeMismatch is returned when a staged payload differs from its declared size.
	ErrSizeMismatch = errors.New("firmware size does not match declared size")

	// ErrStagedConsumed is returned when a staged payload is committed or discarded twice.
	ErrStagedConsumed = errors.New("staged firmware already committed or discarded")
)

// VersionStore holds the single version record of the registry.
type VersionStore interface {
	// Read returns the current record.
	Read() (*types.VersionRecord, error)
	// BootstrapIfAbsent writes the bootstrap record if no record exists yet.
	BootstrapIfAbsent() error
	// Replace atomically overwrites the record.
	Replace(record *types.VersionRecord) error
}

// BinaryStore holds the single firmware binary of the registry.
type BinaryStore interface {
	Exists() (bool, error)
	// Open returns the current blob, its size and checksum pinned to the same content.
	Open() (*Blob, error)
	Size() (int64, error)
	// Checksum returns the hex encoded MD5 of the current blob.
	Checksum() (string, error)
	// Stage streams src into a temporary location without touching the current blob.
	// A negative declaredSize skips the size check.
	Stage(src io.Reader, declaredSize int64) (*Staged, error)
	// Commit atomically swaps a staged payload into place.
	Commit(staged *Staged) error
	// Replace stages and commits src, returning the number of bytes stored.
	Replace(src io.Reader, declaredSize int64) (int64, error)
}
