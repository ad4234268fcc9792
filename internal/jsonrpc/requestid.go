package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC request id: a string, a number, or absent.
// The zero value is the absent id and marshals as JSON null, which is
// what the proxy needs when answering a request whose id it could not
// recover.
type RequestID struct {
	value any
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	return fmt.Sprintf("%v", id.value)
}

// MarshalJSON implements json.Marshaler. An absent id marshals as null so
// that synthesized error responses always carry an explicit id field.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting strings, numbers
// and null. Integral numbers are kept as int64 so they round-trip without
// a trailing ".0".
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
