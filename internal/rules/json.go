package rules

import (
	"bytes"
	"encoding/json"
	"math"
)

// DecodeJSON unmarshals data into v keeping numbers as json.Number.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// DecodeValue decodes an arbitrary JSON value with numbers normalized.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := DecodeJSON(data, &v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// Normalize converts json.Number leaves into int64 when the literal is
// integral and fits, float64 otherwise. Maps and slices are walked in place.
func Normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil && !math.IsInf(f, 0) {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = Normalize(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = Normalize(t[k])
		}
		return t
	default:
		return v
	}
}
