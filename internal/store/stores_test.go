package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Open(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "storage")

	s, err := Open(root)
	require.Nil(t, err)
	assert.Equal(t, 0, s.Swept)

	fi, err := os.Stat(root)
	require.Nil(t, err)
	assert.True(t, fi.IsDir())

	record, err := s.Versions.Read()
	require.Nil(t, err)
	assert.Equal(t, "1.0.0", record.Version)
	assert.Nil(t, record.Size)
	assert.Nil(t, record.UpdatedAt)

	exists, err := s.Binary.Exists()
	assert.Nil(t, err)
	assert.False(t, exists)
}

func Test_OpenSweepsStaging(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, stagingDirName)

	require.Nil(t, os.MkdirAll(staging, 0o755))
	require.Nil(t, os.WriteFile(filepath.Join(staging, "interrupted"+stagingSuffix), []byte("half"), 0o600))
	require.Nil(t, os.WriteFile(filepath.Join(staging, "keep.txt"), []byte("x"), 0o600))

	s, err := Open(root)
	require.Nil(t, err)
	assert.Equal(t, 1, s.Swept)

	entries, err := os.ReadDir(staging)
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Name())
}

func Test_OpenEmptyRoot(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func Test_MD5Checksum(t *testing.T) {
	sum, err := MD5Checksum(strings.NewReader("checksum this"))
	assert.Nil(t, err)
	assert.Equal(t, "803ac72f8be2eba9f985fd3be31b506c", sum)

	_, err = MD5Checksum(&failingReader{os.ErrClosed})
	assert.ErrorIs(t, err, ErrChecksumGenerate)
}

func Test_WriteFileAtomic(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "record.json")

	require.Nil(t, writeFileAtomic(root, target, []byte("one")))
	require.Nil(t, writeFileAtomic(root, target, []byte("two")))

	b, err := os.ReadFile(target)
	require.Nil(t, err)
	assert.Equal(t, "two", string(b))

	entries, err := os.ReadDir(filepath.Join(root, stagingDirName))
	require.Nil(t, err)
	assert.Empty(t, entries)

	// renaming over a directory fails and leaves no staging file behind
	dir := filepath.Join(root, "adir")
	require.Nil(t, os.MkdirAll(filepath.Join(dir, "child"), 0o755))
	assert.ErrorIs(t, writeFileAtomic(root, dir, []byte("x")), ErrStoreUnavailable)

	entries, err = os.ReadDir(filepath.Join(root, stagingDirName))
	require.Nil(t, err)
	assert.Empty(t, entries)
}
