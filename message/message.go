// Package message implements the wire-level Message value shared by the
// producer, consumer, and admin components: an immutable triple of a
// logical stream name, a message UUID, and a JSON-scalar payload mapping.
package message

import (
	"strings"

	"github.com/google/uuid"
)

// StreamKeyPrefix is prepended to a logical stream name to form the
// stream-server key the entry actually lives at.
const StreamKeyPrefix = "telstar:stream:"

// Field names of the two-field wire record. These are part of the on-wire
// contract and must not change without a coordinated upgrade.
const (
	IDField   = "message_id"
	DataField = "data"
)

// Message is an immutable value: a logical stream name, a message UUID, and
// a payload mapping. Equality is defined by MsgUID alone (see Equal).
type Message struct {
	Stream string
	MsgUID uuid.UUID
	Data   map[string]interface{}
}

// New constructs a Message, stripping StreamKeyPrefix from stream if
// present: callers may pass either the logical name or the raw
// stream-server key, as both appear at different points in the pipeline
// (e.g. XREADGROUP returns the server key, admin callers deal in logical
// names).
func New(stream string, msgUID uuid.UUID, data map[string]interface{}) Message {
	return Message{
		Stream: strings.TrimPrefix(stream, StreamKeyPrefix),
		MsgUID: msgUID,
		Data:   data,
	}
}

// StreamKey returns the stream-server key this message belongs to.
func (m Message) StreamKey() string {
	return StreamKeyPrefix + m.Stream
}

// Equal reports whether two Messages carry the same MsgUID. Stream and Data
// are deliberately not compared: a message is identified by its UID alone,
// per the dedup contract the rest of the runtime relies on.
func (m Message) Equal(other Message) bool {
	return m.MsgUID == other.MsgUID
}
