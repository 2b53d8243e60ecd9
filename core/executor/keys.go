package executor

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/artpar/assembly/core/container"
)

// keySet is an insertion-ordered set of lookup keys.
type keySet struct {
	seen map[any]struct{}
	keys []any
}

func newKeySet() *keySet {
	return &keySet{seen: make(map[any]struct{})}
}

func (s *keySet) add(keys ...any) {
	for _, k := range keys {
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.keys = append(s.keys, k)
	}
}

// normalizeKey dereferences pointers and rejects values that cannot be map
// keys. A nil result means "no key".
func normalizeKey(v any) (any, error) {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && (rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil, nil
	}
	if !rv.Type().Comparable() {
		return nil, fmt.Errorf("%s cannot be used as a key", rv.Type())
	}
	return rv.Interface(), nil
}

// splitKeys reads ManyToMany keys out of a collection or a sep-joined
// string. Blank and nil entries are dropped.
func splitKeys(v any, sep string) ([]any, error) {
	if s, ok := v.(string); ok {
		var keys []any
		for _, part := range strings.Split(s, sep) {
			if part = strings.TrimSpace(part); part != "" {
				keys = append(keys, part)
			}
		}
		return keys, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		keys := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			k, err := normalizeKey(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			if k != nil {
				keys = append(keys, k)
			}
		}
		return keys, nil
	}

	k, err := normalizeKey(v)
	if err != nil || k == nil {
		return nil, err
	}
	return []any{k}, nil
}

// lookupTable holds one namespace's fetch result. Scalar keys also match
// by their string form, so a container answering with int64 keys still
// serves targets holding int keys.
type lookupTable struct {
	values   map[any]any
	byString map[string]any
}

func newLookupTable(values map[any]any) *lookupTable {
	t := &lookupTable{values: values}
	for k, v := range values {
		if isScalar(k) {
			if t.byString == nil {
				t.byString = make(map[string]any, len(values))
			}
			t.byString[container.KeyString(k)] = v
		}
	}
	return t
}

func (t *lookupTable) get(key any) (any, bool) {
	if v, ok := t.values[key]; ok {
		return v, true
	}
	if t.byString != nil && isScalar(key) {
		v, ok := t.byString[container.KeyString(key)]
		return v, ok
	}
	return nil, false
}

func isScalar(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// asList flattens slices and arrays into []any. Byte slices are values.
func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
	case reflect.Array:
	default:
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// identity returns a comparable identity for reference values, used to
// avoid handing the same object to two workers.
type identity struct {
	t reflect.Type
	p uintptr
}

func identityOf(v any) (identity, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map:
		return identity{t: rv.Type(), p: rv.Pointer()}, true
	}
	return identity{}, false
}
