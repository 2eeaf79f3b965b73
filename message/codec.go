package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnsupportedValue is returned by EncodeData when a payload value is
// neither a JSON scalar, a nested map/slice of such, a time.Time, a
// uuid.UUID, nor a json.Marshaler.
type ErrUnsupportedValue struct {
	Key   string
	Value interface{}
}

func (e *ErrUnsupportedValue) Error() string {
	return fmt.Sprintf("message: unsupported value of type %T for key %q", e.Value, e.Key)
}

// ErrFormat is returned when a wire record is missing the message_id or
// data field, or either is malformed.
type ErrFormat struct {
	Reason string
}

func (e *ErrFormat) Error() string {
	return "message: malformed wire record: " + e.Reason
}

// EncodeData renders data as JSON, formatting any time.Time values as
// ISO-8601 strings and any uuid.UUID values in canonical hex-with-dashes
// form. Values implementing json.Marshaler are passed through as is;
// values of any other non-JSON-native type are rejected with
// *ErrUnsupportedValue.
func EncodeData(data map[string]interface{}) ([]byte, error) {
	sanitized, err := sanitizeValue("", data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sanitized)
}

// DecodeData parses a JSON object produced by EncodeData (or any compatible
// producer) back into a payload mapping.
func DecodeData(raw []byte) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func sanitizeValue(key string, v interface{}) (interface{}, error) {
	switch tv := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		json.Number:
		return tv, nil
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano), nil
	case uuid.UUID:
		return tv.String(), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, sub := range tv {
			sanitized, err := sanitizeValue(k, sub)
			if err != nil {
				return nil, err
			}
			out[k] = sanitized
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, sub := range tv {
			sanitized, err := sanitizeValue(key, sub)
			if err != nil {
				return nil, err
			}
			out[i] = sanitized
		}
		return out, nil
	case json.Marshaler:
		return tv, nil
	default:
		return nil, &ErrUnsupportedValue{Key: key, Value: v}
	}
}
