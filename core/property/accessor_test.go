package property_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/core/property"
)

type address struct {
	City string `json:"city"`
}

type Base struct {
	ID int64
}

type user struct {
	Base
	Name     string   `json:"name"`
	Nick     string   `assemble:"alias" json:"nickname"`
	Address  *address `json:"address"`
	Tags     []string
	Extra    map[string]any
	Anything any
	hidden   string
}

func TestAccessor_Get(t *testing.T) {
	a := property.New()
	u := &user{
		Base:    Base{ID: 7},
		Name:    "ann",
		Nick:    "a",
		Address: &address{City: "Oslo"},
		Extra:   map[string]any{"score": 3},
		hidden:  "x",
	}

	tests := []struct {
		name string
		obj  any
		path string
		want any
	}{
		{"exact field", u, "Name", "ann"},
		{"json tag", u, "name", "ann"},
		{"assemble tag wins over json", u, "alias", "a"},
		{"case insensitive", u, "NICK", "a"},
		{"promoted field", u, "ID", int64(7)},
		{"nested pointer", u, "address.city", "Oslo"},
		{"map in struct", u, "Extra.score", 3},
		{"plain map", map[string]any{"id": 1}, "id", 1},
		{"nested map", map[string]any{"a": map[string]any{"b": "c"}}, "a.b", "c"},
		{"missing map key", map[string]any{}, "nope", nil},
		{"nil pointer along path", &user{}, "address.city", nil},
		{"nil root", nil, "name", nil},
		{"struct value root", user{Name: "v"}, "Name", "v"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Get(tt.obj, tt.path)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Get() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAccessor_GetErrors(t *testing.T) {
	a := property.New()

	tests := []struct {
		name string
		obj  any
		path string
	}{
		{"unknown field", &user{}, "missing"},
		{"unexported field", &user{}, "hidden"},
		{"scalar hop", &user{Name: "x"}, "Name.first"},
		{"bad path", &user{}, "a..b"},
		{"empty path", &user{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Get(tt.obj, tt.path)
			if err == nil {
				t.Fatal("Get() should fail")
			}
			if !errors.Is(err, assemblyerr.ErrPropertyAccess) {
				t.Errorf("error kind = %v, want property access", err)
			}
		})
	}
}

func TestAccessor_Set(t *testing.T) {
	a := property.New()

	t.Run("struct field", func(t *testing.T) {
		u := &user{}
		if err := a.Set(u, "name", "bob"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if u.Name != "bob" {
			t.Errorf("Name = %q", u.Name)
		}
	})

	t.Run("allocates nil pointer", func(t *testing.T) {
		u := &user{}
		if err := a.Set(u, "address.city", "Rome"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if u.Address == nil || u.Address.City != "Rome" {
			t.Errorf("Address = %+v", u.Address)
		}
	})

	t.Run("allocates nil map", func(t *testing.T) {
		u := &user{}
		if err := a.Set(u, "Extra.k", 1); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if u.Extra["k"] != 1 {
			t.Errorf("Extra = %v", u.Extra)
		}
	})

	t.Run("nested map write back", func(t *testing.T) {
		m := map[string]any{}
		if err := a.Set(m, "profile.name", "z"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		profile, ok := m["profile"].(map[string]any)
		if !ok || profile["name"] != "z" {
			t.Errorf("m = %v", m)
		}
	})

	t.Run("struct held in map", func(t *testing.T) {
		m := map[string]address{"home": {City: "a"}}
		if err := a.Set(m, "home.city", "b"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if m["home"].City != "b" {
			t.Errorf("m = %v", m)
		}
	})

	t.Run("struct held in interface", func(t *testing.T) {
		u := &user{Anything: address{City: "a"}}
		if err := a.Set(u, "Anything.city", "b"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if got := u.Anything.(address).City; got != "b" {
			t.Errorf("City = %q", got)
		}
	})

	t.Run("nil clears", func(t *testing.T) {
		u := &user{Name: "x", Address: &address{}}
		if err := a.Set(u, "name", nil); err != nil {
			t.Fatal(err)
		}
		if err := a.Set(u, "address", nil); err != nil {
			t.Fatal(err)
		}
		if u.Name != "" || u.Address != nil {
			t.Errorf("u = %+v", u)
		}
	})

	t.Run("wraps value into pointer", func(t *testing.T) {
		u := &user{}
		if err := a.Set(u, "address", address{City: "c"}); err != nil {
			t.Fatal(err)
		}
		if u.Address == nil || u.Address.City != "c" {
			t.Errorf("Address = %+v", u.Address)
		}
	})

	t.Run("not assignable", func(t *testing.T) {
		u := &user{}
		err := a.Set(u, "name", 42)
		if !errors.Is(err, assemblyerr.ErrPropertyAccess) {
			t.Errorf("Set() error = %v, want property access", err)
		}
	})

	t.Run("non pointer target", func(t *testing.T) {
		if err := a.Set(user{}, "name", "x"); err == nil {
			t.Error("Set() on a struct value should fail")
		}
	})
}

func TestAccessor_TypeOf(t *testing.T) {
	a := property.New()

	tests := []struct {
		name string
		obj  any
		path string
		want reflect.Type
	}{
		{"string field", &user{}, "name", reflect.TypeOf("")},
		{"through nil pointer", &user{}, "address.city", reflect.TypeOf("")},
		{"slice field", &user{}, "Tags", reflect.TypeOf([]string(nil))},
		{"map value", map[string]int{}, "x", reflect.TypeOf(0)},
		{"interface without value", map[string]any{}, "x", reflect.TypeOf((*any)(nil)).Elem()},
		{"interface with struct value", map[string]any{"a": &address{}}, "a.city", reflect.TypeOf("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.TypeOf(tt.obj, tt.path)
			if err != nil {
				t.Fatalf("TypeOf() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("TypeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAccessor_Nested(t *testing.T) {
	a := property.New()

	type order struct {
		Items  []address
		Ptrs   []*address
		Single address
	}
	o := &order{
		Items:  []address{{City: "a"}, {City: "b"}},
		Ptrs:   []*address{{City: "c"}, nil},
		Single: address{City: "d"},
	}

	items, err := a.Nested(o, "Items")
	if err != nil {
		t.Fatalf("Nested() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	// elements are addressable so writes land on the original slice
	items[1].(*address).City = "B"
	if o.Items[1].City != "B" {
		t.Errorf("Items[1].City = %q, want B", o.Items[1].City)
	}

	ptrs, _ := a.Nested(o, "Ptrs")
	if len(ptrs) != 1 {
		t.Errorf("nil entries should be skipped, got %d", len(ptrs))
	}

	single, _ := a.Nested(o, "Single")
	if len(single) != 1 || single[0].(*address) != &o.Single {
		t.Errorf("Single = %v", single)
	}

	none, err := a.Nested(&order{}, "Items")
	if err != nil || len(none) != 0 {
		t.Errorf("Nested(empty) = %v, %v", none, err)
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"name", "name", false},
		{"a.b.c", "a.b.c", false},
		{"user_id", "user_id", false},
		{"x-y", "x-y", false},
		{"", "", true},
		{"a.", "", true},
		{".a", "", true},
		{"1a", "", true},
		{"a b", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := property.ParsePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParsePath(%q) = %q, want %q", tt.path, got.String(), tt.want)
			}
		})
	}
}
