package consumer

import (
	"bufio"
	"errors"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"
)

// streamReaderEntry decodes one (stream, entries) pair out of an
// XREADGROUP/XREAD reply, one per configured stream rather than assuming
// exactly one.
type streamReaderEntry struct {
	stream  []byte
	entries []radix.StreamEntry
}

func (s *streamReaderEntry) UnmarshalRESP(br *bufio.Reader) error {
	var ah resp2.ArrayHeader
	if err := ah.UnmarshalRESP(br); err != nil {
		return err
	}
	if ah.N != 2 {
		return errors.New("consumer: invalid XREADGROUP reply, expected a 2-element (stream, entries) pair")
	}

	var stream resp2.BulkStringBytes
	if err := stream.UnmarshalRESP(br); err != nil {
		return err
	}
	s.stream = stream.B

	return (resp2.Any{I: &s.entries}).UnmarshalRESP(br)
}

// toStr converts a generically-decoded RESP value (as produced by decoding
// into interface{}, which radix renders bulk strings as []byte and
// integers as int64) into a string.
func toStr(v interface{}) string {
	switch tv := v.(type) {
	case []byte:
		return string(tv)
	case string:
		return tv
	default:
		return ""
	}
}

func toInt(v interface{}) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}
