package convert_test

import (
	"errors"
	"reflect"
	"strconv"
	"testing"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/core/convert"
)

type userID int64

type status int

func (s status) String() string {
	if s == 1 {
		return "active"
	}
	return "inactive"
}

type profile struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func ptr[T any](v T) *T { return &v }

func TestManager_Convert(t *testing.T) {
	m := convert.New()

	tests := []struct {
		name   string
		value  any
		target reflect.Type
		want   any
	}{
		{"assignable", "a", typeOf[string](), "a"},
		{"nil to zero", nil, typeOf[int](), 0},
		{"nil to pointer", nil, typeOf[*string](), (*string)(nil)},
		{"int to int64", 5, typeOf[int64](), int64(5)},
		{"int64 to named int", int64(9), typeOf[userID](), userID(9)},
		{"float to int", 3.0, typeOf[int](), 3},
		{"int to float", 2, typeOf[float64](), 2.0},
		{"string to int", " 42 ", typeOf[int](), 42},
		{"string to uint", "7", typeOf[uint8](), uint8(7)},
		{"string to float", "1.5", typeOf[float32](), float32(1.5)},
		{"string to bool", "true", typeOf[bool](), true},
		{"int to string", 12, typeOf[string](), "12"},
		{"float to string", 1.25, typeOf[string](), "1.25"},
		{"stringer to string", status(1), typeOf[string](), "active"},
		{"bytes to string", []byte("hi"), typeOf[string](), "hi"},
		{"value to pointer", 3, typeOf[*int64](), ptr(int64(3))},
		{"pointer to value", ptr("x"), typeOf[string](), "x"},
		{"slice elements", []any{1, "2"}, typeOf[[]int](), []int{1, 2}},
		{"scalar to slice", "a", typeOf[[]string](), []string{"a"}},
		{"json text to slice", `["a","b"]`, typeOf[[]string](), []string{"a", "b"}},
		{"map to struct", map[string]any{"name": "n", "age": 3}, typeOf[profile](), profile{Name: "n", Age: 3}},
		{"struct to map", profile{Name: "n"}, typeOf[map[string]any](), map[string]any{"name": "n", "age": float64(0)}},
		{"anything to interface", 7, typeOf[any](), 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Convert(tt.value, tt.target)
			if err != nil {
				t.Fatalf("Convert() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Convert() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestManager_ConvertErrors(t *testing.T) {
	m := convert.New()

	tests := []struct {
		name   string
		value  any
		target reflect.Type
	}{
		{"overflow", 300, typeOf[int8]()},
		{"negative to uint", -1, typeOf[uint]()},
		{"fraction to int", 1.5, typeOf[int]()},
		{"bad number", "abc", typeOf[int]()},
		{"bad bool", "maybe", typeOf[bool]()},
		{"struct to int", profile{}, typeOf[int]()},
		{"bad element", []string{"1", "x"}, typeOf[[]int]()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Convert(tt.value, tt.target)
			if err == nil {
				t.Fatal("Convert() should fail")
			}
			if !errors.Is(err, assemblyerr.ErrConversion) {
				t.Errorf("error = %v, want conversion error", err)
			}
		})
	}
}

func TestManager_CustomConverter(t *testing.T) {
	m := convert.New()
	convert.RegisterFunc(m, func(s status) (bool, error) {
		return s == 1, nil
	})
	convert.RegisterFunc(m, func(s string) (userID, error) {
		n, err := strconv.ParseInt(s[1:], 10, 64)
		return userID(n), err
	})

	got, err := m.Convert(status(1), typeOf[bool]())
	if err != nil || got != true {
		t.Errorf("Convert(status) = %v, %v", got, err)
	}

	got, err = m.Convert("u12", typeOf[userID]())
	if err != nil || got != userID(12) {
		t.Errorf("Convert(u12) = %v, %v", got, err)
	}

	if _, err := m.Convert("ux", typeOf[userID]()); !errors.Is(err, assemblyerr.ErrConversion) {
		t.Errorf("custom converter failure should be a conversion error, got %v", err)
	}
}

func TestFunc(t *testing.T) {
	var c convert.Func = func(value any, _ reflect.Type) (any, error) {
		return value.(string) + "!", nil
	}
	got, err := c.Convert("hi", typeOf[string]())
	if err != nil || got != "hi!" {
		t.Errorf("Func.Convert() = %v, %v", got, err)
	}
}
