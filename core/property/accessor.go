// Package property implements ports.PropertyAccessor over plain Go values.
//
// Paths are dot separated ("user.address.city"). Each segment resolves
// against:
//
//   - struct fields: exact Go name, then an `assemble:"name"` tag, then the
//     json tag name, then a case-insensitive match of the Go name
//   - maps with string-kinded keys: the segment is the key
//
// Pointers and interfaces are dereferenced transparently. Reads are
// null-safe: a nil anywhere along the path yields a nil value rather than an
// error. Writes allocate nil intermediate pointers and maps.
//
// Field lookups are cached per (type, segment) so repeated access across a
// large batch costs a map read per hop.
package property

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/ports"
)

// Accessor reads and writes properties by path. Safe for concurrent use.
type Accessor struct {
	paths  sync.Map // string -> Path
	fields sync.Map // fieldKey -> fieldInfo
}

type fieldKey struct {
	t    reflect.Type
	name string
}

type fieldInfo struct {
	index []int
	ok    bool
}

// New creates a property accessor.
func New() *Accessor {
	return &Accessor{}
}

var _ ports.PropertyAccessor = (*Accessor)(nil)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// Get returns the value at path.
func (a *Accessor) Get(obj any, path string) (any, error) {
	p, err := a.parse(path)
	if err != nil {
		return nil, assemblyerr.PropertyAccess(path, err)
	}

	v, err := a.lookup(reflect.ValueOf(obj), p)
	if err != nil {
		return nil, assemblyerr.PropertyAccess(path, err)
	}
	if !v.IsValid() || isNil(v) {
		return nil, nil
	}
	return v.Interface(), nil
}

// Set writes value at path. obj must be a pointer or a map.
func (a *Accessor) Set(obj any, path string, value any) error {
	p, err := a.parse(path)
	if err != nil {
		return assemblyerr.PropertyAccess(path, err)
	}

	v := reflect.ValueOf(obj)
	if !v.IsValid() {
		return assemblyerr.PropertyAccess(path, errors.New("nil target"))
	}
	if v.Kind() != reflect.Ptr && v.Kind() != reflect.Map {
		return assemblyerr.PropertyAccess(path, fmt.Errorf("target must be a pointer or a map, got %s", v.Type()))
	}

	if err := a.set(v, p, value); err != nil {
		return assemblyerr.PropertyAccess(path, err)
	}
	return nil
}

// TypeOf returns the declared type of the property at path. Interface-typed
// hops are resolved through the current value when one is present.
func (a *Accessor) TypeOf(obj any, path string) (reflect.Type, error) {
	p, err := a.parse(path)
	if err != nil {
		return nil, assemblyerr.PropertyAccess(path, err)
	}

	v := reflect.ValueOf(obj)
	if !v.IsValid() {
		return nil, assemblyerr.PropertyAccess(path, errors.New("nil target"))
	}

	t := v.Type()
	for i, seg := range p {
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		v = indirect(v)

		if t.Kind() == reflect.Interface {
			if !v.IsValid() {
				return anyType, nil
			}
			t = v.Type()
		}

		switch t.Kind() {
		case reflect.Struct:
			info := a.fieldIndex(t, seg)
			if !info.ok {
				return nil, assemblyerr.PropertyAccess(path, fmt.Errorf("no property %q on %s", seg, t))
			}
			t = t.FieldByIndex(info.index).Type
			if v.IsValid() && v.Kind() == reflect.Struct {
				fv, err := v.FieldByIndexErr(info.index)
				if err != nil {
					fv = reflect.Value{}
				}
				v = fv
			} else {
				v = reflect.Value{}
			}
		case reflect.Map:
			k, err := mapKey(t, seg)
			if err != nil {
				return nil, assemblyerr.PropertyAccess(path, err)
			}
			if v.IsValid() && v.Kind() == reflect.Map {
				v = v.MapIndex(k)
			} else {
				v = reflect.Value{}
			}
			t = t.Elem()
		default:
			return nil, assemblyerr.PropertyAccess(path, fmt.Errorf("cannot resolve %q on %s", p[:i+1].String(), t))
		}
	}

	return t, nil
}

// Nested returns the objects stored at path. Slices and arrays are
// flattened; nil entries and scalars are skipped. Struct values reachable
// through an addressable parent are returned as pointers.
func (a *Accessor) Nested(obj any, path string) ([]any, error) {
	p, err := a.parse(path)
	if err != nil {
		return nil, assemblyerr.PropertyAccess(path, err)
	}

	v, err := a.lookup(reflect.ValueOf(obj), p)
	if err != nil {
		return nil, assemblyerr.PropertyAccess(path, err)
	}
	if !v.IsValid() {
		return nil, nil
	}
	return flatten(v, nil), nil
}

func (a *Accessor) parse(path string) (Path, error) {
	if p, ok := a.paths.Load(path); ok {
		return p.(Path), nil
	}

	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	a.paths.Store(path, p)
	return p, nil
}

// lookup walks p from v. It returns an invalid Value when a nil is met.
func (a *Accessor) lookup(v reflect.Value, p Path) (reflect.Value, error) {
	for i, seg := range p {
		v = indirect(v)
		if !v.IsValid() {
			return reflect.Value{}, nil
		}

		switch v.Kind() {
		case reflect.Struct:
			info := a.fieldIndex(v.Type(), seg)
			if !info.ok {
				return reflect.Value{}, fmt.Errorf("no property %q on %s", seg, v.Type())
			}
			f, err := v.FieldByIndexErr(info.index)
			if err != nil {
				// nil embedded pointer
				return reflect.Value{}, nil
			}
			v = f
		case reflect.Map:
			k, err := mapKey(v.Type(), seg)
			if err != nil {
				return reflect.Value{}, err
			}
			v = v.MapIndex(k)
		default:
			return reflect.Value{}, fmt.Errorf("cannot read %q from %s", p[:i+1].String(), v.Type())
		}
	}
	return v, nil
}

func (a *Accessor) set(v reflect.Value, p Path, value any) error {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			if !v.CanSet() {
				return fmt.Errorf("cannot allocate nil %s", v.Type())
			}
			v.Set(reflect.New(v.Type().Elem()))
		}
		return a.set(v.Elem(), p, value)

	case reflect.Interface:
		if v.IsNil() {
			if !v.CanSet() {
				return fmt.Errorf("cannot write %q into a nil %s", p[0], v.Type())
			}
			m := reflect.ValueOf(map[string]any{})
			v.Set(m)
			return a.set(m, p, value)
		}
		inner := v.Elem()
		if inner.Kind() == reflect.Ptr || inner.Kind() == reflect.Map {
			return a.set(inner, p, value)
		}
		if !v.CanSet() {
			return fmt.Errorf("cannot write %q into a non-addressable %s", p[0], inner.Type())
		}
		cp := reflect.New(inner.Type()).Elem()
		cp.Set(inner)
		if err := a.set(cp, p, value); err != nil {
			return err
		}
		v.Set(cp)
		return nil

	case reflect.Struct:
		info := a.fieldIndex(v.Type(), p[0])
		if !info.ok {
			return fmt.Errorf("no property %q on %s", p[0], v.Type())
		}
		f, err := fieldByIndexAlloc(v, info.index)
		if err != nil {
			return err
		}
		if len(p) == 1 {
			return assign(f, value)
		}
		return a.set(f, p[1:], value)

	case reflect.Map:
		if v.IsNil() {
			if !v.CanSet() {
				return fmt.Errorf("cannot write %q into a nil %s", p[0], v.Type())
			}
			v.Set(reflect.MakeMap(v.Type()))
		}
		k, err := mapKey(v.Type(), p[0])
		if err != nil {
			return err
		}
		elemType := v.Type().Elem()

		if len(p) == 1 {
			val, err := assignable(value, elemType)
			if err != nil {
				return err
			}
			v.SetMapIndex(k, val)
			return nil
		}

		// map elements are not addressable: update a copy and store it back
		elem := reflect.New(elemType).Elem()
		if cur := v.MapIndex(k); cur.IsValid() {
			elem.Set(cur)
		}
		if err := a.set(elem, p[1:], value); err != nil {
			return err
		}
		v.SetMapIndex(k, elem)
		return nil

	default:
		return fmt.Errorf("cannot write %q on %s", p[0], v.Type())
	}
}

func (a *Accessor) fieldIndex(t reflect.Type, name string) fieldInfo {
	key := fieldKey{t: t, name: name}
	if info, ok := a.fields.Load(key); ok {
		return info.(fieldInfo)
	}

	index, ok := resolveField(t, name)
	info := fieldInfo{index: index, ok: ok}
	a.fields.Store(key, info)
	return info
}

// resolveField finds the exported field of struct type t that name refers to.
func resolveField(t reflect.Type, name string) ([]int, bool) {
	fields := reflect.VisibleFields(t)

	matchers := []func(reflect.StructField) bool{
		func(f reflect.StructField) bool { return f.Name == name },
		func(f reflect.StructField) bool { return tagName(f.Tag.Get("assemble")) == name },
		func(f reflect.StructField) bool { return tagName(f.Tag.Get("json")) == name },
		func(f reflect.StructField) bool { return strings.EqualFold(f.Name, name) },
	}

	for _, match := range matchers {
		for _, f := range fields {
			if f.IsExported() && match(f) {
				return f.Index, true
			}
		}
	}
	return nil, false
}

func tagName(tag string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}

func mapKey(t reflect.Type, seg string) (reflect.Value, error) {
	if t.Key().Kind() != reflect.String {
		return reflect.Value{}, fmt.Errorf("unsupported map key type %s", t.Key())
	}
	return reflect.ValueOf(seg).Convert(t.Key()), nil
}

// fieldByIndexAlloc is FieldByIndex that allocates nil embedded pointers.
func fieldByIndexAlloc(v reflect.Value, index []int) (reflect.Value, error) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				if !v.CanSet() {
					return reflect.Value{}, fmt.Errorf("cannot allocate embedded %s", v.Type())
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, nil
}

func assign(f reflect.Value, value any) error {
	if !f.CanSet() {
		return fmt.Errorf("field of type %s is not settable", f.Type())
	}
	val, err := assignable(value, f.Type())
	if err != nil {
		return err
	}
	f.Set(val)
	return nil
}

// assignable returns value as a reflect.Value that can be stored in a slot of
// type t. Pointers are wrapped or unwrapped by one level when that is all it
// takes; anything else is the converter's job.
func assignable(value any, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(t), nil
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(t):
		return rv, nil
	case t.Kind() == reflect.Ptr && rv.Type().AssignableTo(t.Elem()):
		p := reflect.New(t.Elem())
		p.Elem().Set(rv)
		return p, nil
	case rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Type().AssignableTo(t):
		return rv.Elem(), nil
	}
	return reflect.Value{}, fmt.Errorf("value of type %s is not assignable to %s", rv.Type(), t)
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func flatten(v reflect.Value, out []any) []any {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return out
		}
		return flatten(v.Elem(), out)
	case reflect.Ptr:
		if v.IsNil() {
			return out
		}
		switch v.Elem().Kind() {
		case reflect.Slice, reflect.Array:
			return flatten(v.Elem(), out)
		}
		return append(out, v.Interface())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return out
		}
		for i := 0; i < v.Len(); i++ {
			out = flatten(v.Index(i), out)
		}
		return out
	case reflect.Struct:
		if v.CanAddr() {
			return append(out, v.Addr().Interface())
		}
		return append(out, v.Interface())
	case reflect.Map:
		if v.IsNil() {
			return out
		}
		return append(out, v.Interface())
	}
	return out
}
