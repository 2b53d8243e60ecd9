// Package convert converts values between the types found on fetched
// entities and the declared types of target properties.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/ports"
)

// Func converts value to the target type.
type Func func(value any, target reflect.Type) (any, error)

// Convert calls f.
func (f Func) Convert(value any, target reflect.Type) (any, error) {
	return f(value, target)
}

type pairKey struct {
	from, to reflect.Type
}

// Manager is the default converter. It handles assignable values, pointer
// wrapping, numeric widening and narrowing with overflow checks, string
// parsing and formatting, element-wise slices, and any custom conversions
// registered for a (source, target) type pair.
type Manager struct {
	mu     sync.RWMutex
	custom map[pairKey]Func
}

// New creates a conversion manager.
func New() *Manager {
	return &Manager{custom: make(map[pairKey]Func)}
}

var (
	_ ports.Converter = (*Manager)(nil)
	_ ports.Converter = Func(nil)
)

var stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()

// Register installs fn for converting values of type from into type to.
// Registering the same pair again replaces the previous function.
func (m *Manager) Register(from, to reflect.Type, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom[pairKey{from, to}] = fn
}

// RegisterFunc installs a typed conversion from S to D.
func RegisterFunc[S, D any](m *Manager, fn func(S) (D, error)) {
	from := reflect.TypeOf((*S)(nil)).Elem()
	to := reflect.TypeOf((*D)(nil)).Elem()
	m.Register(from, to, func(value any, _ reflect.Type) (any, error) {
		return fn(value.(S))
	})
}

// Convert converts value to target. A nil value converts to the zero value
// of target. A nil target returns value unchanged.
func (m *Manager) Convert(value any, target reflect.Type) (any, error) {
	if target == nil {
		return value, nil
	}
	if value == nil {
		return zero(target), nil
	}

	out, err := m.convert(reflect.ValueOf(value), target)
	if err != nil {
		return nil, assemblyerr.Conversion(reflect.TypeOf(value).String(), target.String(), err)
	}
	return out.Interface(), nil
}

func (m *Manager) convert(rv reflect.Value, target reflect.Type) (reflect.Value, error) {
	src := rv.Type()

	if fn := m.lookup(src, target); fn != nil {
		out, err := fn(rv.Interface(), target)
		if err != nil {
			return reflect.Value{}, err
		}
		if out == nil {
			return reflect.Zero(target), nil
		}
		ov := reflect.ValueOf(out)
		if !ov.Type().AssignableTo(target) {
			return reflect.Value{}, fmt.Errorf("converter returned %s", ov.Type())
		}
		return ov, nil
	}

	if src.AssignableTo(target) {
		return rv, nil
	}

	// unwrap source pointers and interfaces
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Zero(target), nil
		}
		return m.convert(rv.Elem(), target)
	}

	if target.Kind() == reflect.Ptr {
		inner, err := m.convert(rv, target.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(target.Elem())
		p.Elem().Set(inner)
		return p, nil
	}

	switch target.Kind() {
	case reflect.String:
		s, err := toString(rv)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(s).Convert(target), nil

	case reflect.Bool:
		b, err := toBool(rv)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b).Convert(target), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(rv)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, target)
		}
		out.SetInt(n)
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := toUint64(rv)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target).Elem()
		if out.OverflowUint(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, target)
		}
		out.SetUint(n)
		return out, nil

	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(rv)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target).Elem()
		if out.OverflowFloat(f) {
			return reflect.Value{}, fmt.Errorf("%v overflows %s", f, target)
		}
		out.SetFloat(f)
		return out, nil

	case reflect.Slice:
		return m.convertSlice(rv, target)
	}

	if src.Kind() == target.Kind() && src.ConvertibleTo(target) {
		return rv.Convert(target), nil
	}

	// records between shapes: map <-> struct, struct <-> struct
	if isRecord(src.Kind()) && isRecord(target.Kind()) {
		raw, err := json.Marshal(rv.Interface())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target)
		if err := json.Unmarshal(raw, out.Interface()); err != nil {
			return reflect.Value{}, err
		}
		return out.Elem(), nil
	}

	return reflect.Value{}, errors.New("no conversion available")
}

func (m *Manager) convertSlice(rv reflect.Value, target reflect.Type) (reflect.Value, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
	case reflect.String:
		if target.Elem().Kind() == reflect.Uint8 {
			return reflect.ValueOf([]byte(rv.String())).Convert(target), nil
		}
		// JSON-encoded lists are common in text columns
		if s := strings.TrimSpace(rv.String()); strings.HasPrefix(s, "[") {
			out := reflect.New(target)
			if err := json.Unmarshal([]byte(s), out.Interface()); err != nil {
				return reflect.Value{}, err
			}
			return out.Elem(), nil
		}
		return m.single(rv, target)
	default:
		return m.single(rv, target)
	}

	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return reflect.Zero(target), nil
	}

	out := reflect.MakeSlice(target, rv.Len(), rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem, err := m.convert(rv.Index(i), target.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
		}
		out.Index(i).Set(elem)
	}
	return out, nil
}

// single wraps one value into a one-element list.
func (m *Manager) single(rv reflect.Value, target reflect.Type) (reflect.Value, error) {
	elem, err := m.convert(rv, target.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.MakeSlice(target, 1, 1)
	out.Index(0).Set(elem)
	return out, nil
}

func (m *Manager) lookup(from, to reflect.Type) Func {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.custom[pairKey{from, to}]
}

func isRecord(k reflect.Kind) bool {
	return k == reflect.Map || k == reflect.Struct
}

func zero(t reflect.Type) any {
	return reflect.Zero(t).Interface()
}

func toString(rv reflect.Value) (string, error) {
	if rv.Type().Implements(stringerType) {
		return rv.Interface().(fmt.Stringer).String(), nil
	}

	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes()), nil
		}
	}
	return "", fmt.Errorf("cannot format %s as string", rv.Type())
}

func toBool(rv reflect.Value) (bool, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return strconv.ParseBool(strings.TrimSpace(rv.String()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0, nil
	}
	return false, fmt.Errorf("cannot interpret %s as bool", rv.Type())
}

func toInt64(rv reflect.Value) (int64, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("%v is not an integer", f)
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("%v overflows int64", f)
		}
		return int64(f), nil
	case reflect.String:
		return strconv.ParseInt(strings.TrimSpace(rv.String()), 10, 64)
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot interpret %s as integer", rv.Type())
}

func toUint64(rv reflect.Value) (uint64, error) {
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.String:
		return strconv.ParseUint(strings.TrimSpace(rv.String()), 10, 64)
	}

	n, err := toInt64(rv)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	return uint64(n), nil
}

func toFloat64(rv reflect.Value) (float64, error) {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.String:
		return strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
	}
	return 0, fmt.Errorf("cannot interpret %s as float", rv.Type())
}
