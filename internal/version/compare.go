// Package version orders the dotted numeric version strings devices and
// administrators tag firmware with.
package version

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Ordering is the result of comparing two versions.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
	// Indeterminate is returned when either side is empty. Callers must not
	// treat it as Equal.
	Indeterminate
)

var (
	ErrMalformed = errors.New("malformed version")
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "indeterminate"
	}
}

// Compare orders a against b segment by segment.
//
// Missing trailing segments count as 0, so "2.0" and "2" are Equal.
// Segments that are not non-negative integers are coerced to 0.
func Compare(a, b string) Ordering {
	if a == "" || b == "" {
		return Indeterminate
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		x, y := segment(as, i), segment(bs, i)

		switch {
		case x > y:
			return Greater
		case x < y:
			return Less
		}
	}

	return Equal
}

// Newer reports whether candidate is strictly newer than current.
// An indeterminate comparison is never newer.
func Newer(candidate, current string) bool {
	return Compare(candidate, current) == Greater
}

// Validate reports ErrMalformed unless v is a non-empty dot separated
// sequence of non-negative integers.
func Validate(v string) error {
	if v == "" {
		return errors.Wrap(ErrMalformed, "empty version")
	}

	for i, s := range strings.Split(v, ".") {
		if _, err := strconv.ParseUint(s, 10, 64); err != nil {
			return errors.Wrapf(ErrMalformed, "segment %d of %q is not a non-negative integer", i, v)
		}
	}

	return nil
}

func segment(segments []string, i int) uint64 {
	if i >= len(segments) {
		return 0
	}

	n, err := strconv.ParseUint(strings.TrimSpace(segments[i]), 10, 64)
	if err != nil {
		return 0
	}

	return n
}
