// Package streamid implements arithmetic on stream-server entry IDs of the
// form "<ms>-<seq>", e.g. "1509473251518-0": a 64-bit millisecond timestamp
// and a 64-bit sequence counter, totally ordered lexicographically by
// (ms, seq).
//
// Increment and Decrement are the only arithmetic the rest of this module
// performs on entry IDs (besides comparing them with Less/Min); new IDs are
// otherwise always assigned by the stream server on append.
package streamid

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is a parsed stream-server entry id.
type ID struct {
	MS  uint64
	Seq uint64
}

// Zero is the smallest possible ID, "0-0".
var Zero = ID{}

// Parse parses a byte/string id of the form "<ms>-<seq>". It returns an
// error if id doesn't contain a '-'.
func Parse(id string) (ID, error) {
	i := strings.IndexByte(id, '-')
	if i < 0 {
		return ID{}, fmt.Errorf("streamid: %q is missing the '-' separator", id)
	}

	ms, err := strconv.ParseUint(id[:i], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("streamid: invalid ms component of %q: %w", id, err)
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("streamid: invalid seq component of %q: %w", id, err)
	}
	return ID{MS: ms, Seq: seq}, nil
}

// MustParse is like Parse but panics on error. Intended for use with
// compile-time-constant ids (e.g. the "0-0" default checkpoint).
func MustParse(id string) ID {
	parsed, err := Parse(id)
	if err != nil {
		panic(err)
	}
	return parsed
}

// String renders the ID back into "<ms>-<seq>" form.
func (id ID) String() string {
	return strconv.FormatUint(id.MS, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id sorts strictly before other, by (ms, seq).
func (id ID) Less(other ID) bool {
	if id.MS != other.MS {
		return id.MS < other.MS
	}
	return id.Seq < other.Seq
}

// Min returns whichever of a, b sorts first.
func Min(a, b ID) ID {
	if b.Less(a) {
		return b
	}
	return a
}

// Increment adds 1 to the sequence component.
func Increment(id ID) ID {
	return ID{MS: id.MS, Seq: id.Seq + 1}
}

// Decrement subtracts 1 from the sequence component; if the sequence is
// already 0, it subtracts 1 from the millisecond component instead and
// leaves the sequence at 0. "0-0" is returned unchanged.
func Decrement(id ID) ID {
	if id.Seq == 0 {
		if id.MS == 0 {
			return id
		}
		return ID{MS: id.MS - 1, Seq: 0}
	}
	return ID{MS: id.MS, Seq: id.Seq - 1}
}
