package store

import (
	"crypto/md5" // nolint:gosec // transfer integrity only, devices parse the MD5 header
	"encoding/hex"
	"hash"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrChecksumGenerate = errors.New("error generating firmware checksum")
)

// A hashWriter wraps an io.Writer and computes the MD5 of the bytes written
// while counting them.
type hashWriter struct {
	io.Writer // our io.MultiWriter
	md5       hash.Hash
	counter   *countingWriter
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func newHashWriter(w io.Writer) *hashWriter {
	hw := &hashWriter{
		md5:     md5.New(), // nolint:gosec // see import
		counter: &countingWriter{},
	}
	hw.Writer = io.MultiWriter(w, hw.md5, hw.counter)

	return hw
}

// Sum returns the lower case hex MD5 of everything written so far.
func (hw *hashWriter) Sum() string {
	return hex.EncodeToString(hw.md5.Sum(nil))
}

// Written returns the number of bytes written so far.
func (hw *hashWriter) Written() int64 {
	return hw.counter.n
}

// MD5Checksum returns the lower case hex MD5 of everything read from r.
func MD5Checksum(r io.Reader) (string, error) {
	hw := newHashWriter(io.Discard)
	if _, err := io.Copy(hw, r); err != nil {
		return "", errors.Wrap(ErrChecksumGenerate, err.Error())
	}

	return hw.Sum(), nil
}

// sourceReader records errors returned by the wrapped reader so that a
// failed copy can be attributed to the source or to the destination.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}

	return n, err
}
