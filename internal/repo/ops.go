package repo

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Op is one atomic change applied by Update to the stored document fields.
type Op interface {
	apply(fields map[string]any) error
}

type opFunc func(fields map[string]any) error

func (f opFunc) apply(fields map[string]any) error { return f(fields) }

// normalize round-trips v through JSON so it compares equal to stored data.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func arrayField(fields map[string]any, field string) ([]any, error) {
	raw, ok := fields[field]
	if !ok || raw == nil {
		return []any{}, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("field %s is not an array", field)
	}
	return arr, nil
}

// Set overwrites a top-level field.
func Set(field string, v any) Op {
	return opFunc(func(fields map[string]any) error {
		n, err := normalize(v)
		if err != nil {
			return err
		}
		fields[field] = n
		return nil
	})
}

// Append adds v at the end of an array field.
func Append(field string, v any) Op {
	return opFunc(func(fields map[string]any) error {
		arr, err := arrayField(fields, field)
		if err != nil {
			return err
		}
		n, err := normalize(v)
		if err != nil {
			return err
		}
		fields[field] = append(arr, n)
		return nil
	})
}

func contains(arr []any, v any) bool {
	for _, el := range arr {
		if reflect.DeepEqual(el, v) {
			return true
		}
	}
	return false
}

// ArrayUnion appends each value not already present.
func ArrayUnion(field string, values ...any) Op {
	return opFunc(func(fields map[string]any) error {
		arr, err := arrayField(fields, field)
		if err != nil {
			return err
		}
		for _, v := range values {
			n, err := normalize(v)
			if err != nil {
				return err
			}
			if !contains(arr, n) {
				arr = append(arr, n)
			}
		}
		fields[field] = arr
		return nil
	})
}

// ArrayRemove drops every element equal to one of values.
func ArrayRemove(field string, values ...any) Op {
	return opFunc(func(fields map[string]any) error {
		arr, err := arrayField(fields, field)
		if err != nil {
			return err
		}
		drop := make([]any, 0, len(values))
		for _, v := range values {
			n, err := normalize(v)
			if err != nil {
				return err
			}
			drop = append(drop, n)
		}
		out := make([]any, 0, len(arr))
		for _, el := range arr {
			if !contains(drop, el) {
				out = append(out, el)
			}
		}
		fields[field] = out
		return nil
	})
}

func keyOf(el any, key string) (any, bool) {
	obj, ok := el.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[key]
	return v, ok
}

// AppendUniqueBy appends v unless an element already has the same value
// under key, in which case it fails with ErrDuplicate.
func AppendUniqueBy(field, key string, v any) Op {
	return opFunc(func(fields map[string]any) error {
		arr, err := arrayField(fields, field)
		if err != nil {
			return err
		}
		n, err := normalize(v)
		if err != nil {
			return err
		}
		want, ok := keyOf(n, key)
		if !ok {
			return fmt.Errorf("element has no %s", key)
		}
		for _, el := range arr {
			if got, ok := keyOf(el, key); ok && reflect.DeepEqual(got, want) {
				return fmt.Errorf("%s.%s=%v: %w", field, key, want, ErrDuplicate)
			}
		}
		fields[field] = append(arr, n)
		return nil
	})
}

// UpdateWhere sets attr on the element whose key equals match. ErrNoMatch
// when no element matches.
func UpdateWhere(field, key string, match any, attr string, v any) Op {
	return opFunc(func(fields map[string]any) error {
		arr, err := arrayField(fields, field)
		if err != nil {
			return err
		}
		want, err := normalize(match)
		if err != nil {
			return err
		}
		n, err := normalize(v)
		if err != nil {
			return err
		}
		for _, el := range arr {
			if got, ok := keyOf(el, key); ok && reflect.DeepEqual(got, want) {
				el.(map[string]any)[attr] = n
				return nil
			}
		}
		return fmt.Errorf("%s.%s=%v: %w", field, key, want, ErrNoMatch)
	})
}

// RemoveWhere drops the elements whose key equals match. ErrNoMatch when
// nothing is removed.
func RemoveWhere(field, key string, match any) Op {
	return opFunc(func(fields map[string]any) error {
		arr, err := arrayField(fields, field)
		if err != nil {
			return err
		}
		want, err := normalize(match)
		if err != nil {
			return err
		}
		out := make([]any, 0, len(arr))
		for _, el := range arr {
			if got, ok := keyOf(el, key); ok && reflect.DeepEqual(got, want) {
				continue
			}
			out = append(out, el)
		}
		if len(out) == len(arr) {
			return fmt.Errorf("%s.%s=%v: %w", field, key, want, ErrNoMatch)
		}
		fields[field] = out
		return nil
	})
}

// Expect fails the whole update with ErrConflict unless field currently
// equals v.
func Expect(field string, v any) Op {
	return opFunc(func(fields map[string]any) error {
		n, err := normalize(v)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(fields[field], n) {
			return fmt.Errorf("%s: %w", field, ErrConflict)
		}
		return nil
	})
}
