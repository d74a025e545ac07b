package pawn

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RawList decodes a list that the backend may send either as a bare JSON
// array or wrapped in an object ({"items": [...]}, {"payments": [...]}, ...).
// Decoding never fails: an unrecognised shape leaves Items empty and sets
// Malformed so the caller can log it.
type RawList[T any] struct {
	Items     []T
	Malformed bool
}

// wrapperKeys are tried in order when the payload is an object.
var wrapperKeys = []string{"items", "payments", "extensions", "audit_logs", "entries", "data", "results"}

func (l *RawList[T]) UnmarshalJSON(data []byte) error {
	items, err := DecodeList[T](data)
	l.Items = items
	l.Malformed = err != nil
	return nil
}

func (l RawList[T]) MarshalJSON() ([]byte, error) {
	if l.Items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.Items)
}

// DecodeList accepts a bare array, a wrapper object or null. It returns an
// empty (non-nil) slice together with ErrMalformedInput for anything else.
func DecodeList[T any](data []byte) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []T{}, nil
	}

	switch data[0] {
	case '[':
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return []T{}, fmt.Errorf("%w: array: %v", ErrMalformedInput, err)
		}
		if items == nil {
			items = []T{}
		}
		return items, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return []T{}, fmt.Errorf("%w: object: %v", ErrMalformedInput, err)
		}
		for _, key := range wrapperKeys {
			inner, ok := wrapper[key]
			if !ok {
				continue
			}
			inner = bytes.TrimSpace(inner)
			if len(inner) == 0 || inner[0] != '[' {
				if bytes.Equal(inner, []byte("null")) {
					return []T{}, nil
				}
				continue
			}
			return DecodeList[T](inner)
		}
		return []T{}, fmt.Errorf("%w: object without a list field", ErrMalformedInput)
	default:
		return []T{}, fmt.Errorf("%w: unexpected %q", ErrMalformedInput, data[0])
	}
}
